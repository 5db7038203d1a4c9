package broker

import (
	"bytes"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/diwise/odata-broker/pkg/odata/types"
)

func TestLoadConfig(t *testing.T) {
	is, config := setupConfigTest(t)

	is.Equal(len(config.Cells), 1) // should have a single cell
	is.Equal(config.Locking.Backend, "etcd")
	is.Equal(config.Locking.Endpoints, []string{"http://etcd:2379"})
}

func TestLoadBatchSettings(t *testing.T) {
	is, config := setupConfigTest(t)

	is.Equal(config.Batch.MaxParts, 50)
	is.Equal(config.Batch.Timeout, 30*time.Second)
	is.Equal(config.Batch.YieldInterval, 10*time.Millisecond)
	is.True(!config.Batch.ReadOnly)
}

func TestDefaultsSurviveAPartialFile(t *testing.T) {
	is, config := setupConfigTest(t)

	is.Equal(config.Query.DefaultTop, 25)
	is.Equal(config.Query.MaxTop, 5000)
	is.Equal(config.Storage.MaxLinks, 10000)
}

func TestPartitionsAreFilteredByCell(t *testing.T) {
	is, config := setupConfigTest(t)

	is.True(config.Allows("cell1", "box1", "svc"))
	is.True(!config.Allows("cell1", "box2", "svc"))
	is.True(!config.Allows("cell2", "box1", "svc"))

	is.True(Defaults().Allows("anything", "at", "all"))
}

func TestPartitionsListsExplicitNodes(t *testing.T) {
	is := is.New(t)

	config, err := LoadConfiguration(bytes.NewBufferString(`
cells:
  - name: c1
    boxes:
      - name: b1
        nodes: [n1, n2]
      - name: b2
`))
	is.NoErr(err)

	partitions := config.Partitions()
	is.Equal(len(partitions), 2)
	is.Equal(partitions[1], types.Partition{Cell: "c1", Box: "b1", Node: "n2"})
}

func setupConfigTest(t *testing.T) (*is.I, *Config) {
	is := is.New(t)
	cfgData := bytes.NewBuffer([]byte(configFile))
	config, err := LoadConfiguration(cfgData)
	is.NoErr(err)

	return is, config
}

var configFile string = `
cells:
  - name: cell1
    boxes:
      - name: box1
locking:
  backend: etcd
  endpoints:
    - http://etcd:2379
batch:
  maxParts: 50
  timeout: 30s
  yieldInterval: 10ms
`
