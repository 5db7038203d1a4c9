package main

import (
	"testing"

	"github.com/matryer/is"

	"github.com/diwise/odata-broker/internal/pkg/application/broker"
	"github.com/diwise/odata-broker/pkg/odata/types"
)

func TestPartitionsFromEnvironmentOverrideConfig(t *testing.T) {
	is := is.New(t)

	cfg := broker.Defaults()
	cfg.Cells = []broker.Cell{{Name: "c1", Boxes: []broker.Box{{Name: "b1", Nodes: []string{"n1"}}}}}

	partitions, err := Config{}.partitions(cfg)
	is.NoErr(err)
	is.Equal(partitions, []types.Partition{{Cell: "c1", Box: "b1", Node: "n1"}})

	partitions, err = Config{partitionList: "a/b/c, d/e/f"}.partitions(cfg)
	is.NoErr(err)
	is.Equal(len(partitions), 2)
	is.Equal(partitions[1], types.Partition{Cell: "d", Box: "e", Node: "f"})

	_, err = Config{partitionList: "a/b"}.partitions(cfg)
	is.True(err != nil)
}
