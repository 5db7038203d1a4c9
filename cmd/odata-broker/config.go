package main

import (
	"context"
	"io"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	flag "github.com/spf13/pflag"
)

type FlagType int
type FlagMap map[FlagType]string

const (
	listenAddress FlagType = iota
	servicePort
	controlPort

	configPath
	schemaPath
	opaPath

	namespace
	logFormat
)

type AppConfig struct {
	brokerConfig io.ReadCloser
	schemaFile   io.ReadCloser
	opaConfig    io.ReadCloser
}

var flagDefaults = FlagMap{
	listenAddress: "",
	servicePort:   "8080",
	controlPort:   "",

	configPath: "/opt/diwise/config/odata-broker.yaml",
	schemaPath: "/opt/diwise/config/schema.yaml",
	opaPath:    "/opt/diwise/config/authz.rego",

	namespace: "ODataBroker",
	logFormat: "json",
}

// parseExternalConfig reads flags from the command line, with fallbacks to the
// environment and then to the defaults
func parseExternalConfig(ctx context.Context, flags FlagMap) (context.Context, FlagMap) {

	for k, v := range flagDefaults {
		if _, ok := flags[k]; !ok {
			flags[k] = v
		}
	}

	// Allow environment variables to override the defaults
	flags[listenAddress] = env.GetVariableOrDefault(ctx, "LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = env.GetVariableOrDefault(ctx, "SERVICE_PORT", flags[servicePort])
	flags[controlPort] = env.GetVariableOrDefault(ctx, "CONTROL_PORT", flags[controlPort])
	flags[configPath] = env.GetVariableOrDefault(ctx, "BROKER_CONFIG_PATH", flags[configPath])
	flags[schemaPath] = env.GetVariableOrDefault(ctx, "SCHEMA_PATH", flags[schemaPath])
	flags[opaPath] = env.GetVariableOrDefault(ctx, "POLICY_PATH", flags[opaPath])
	flags[namespace] = env.GetVariableOrDefault(ctx, "ODATA_NAMESPACE", flags[namespace])
	flags[logFormat] = env.GetVariableOrDefault(ctx, "LOG_FORMAT", flags[logFormat])

	// and then let the command line override them
	values := map[FlagType]*string{}
	for _, f := range []struct {
		t     FlagType
		name  string
		usage string
	}{
		{listenAddress, "listen", "address to listen on"},
		{servicePort, "port", "port to serve the api on"},
		{controlPort, "control-port", "port for health and metrics, empty serves them on the api port"},
		{configPath, "config", "broker configuration file"},
		{schemaPath, "schema", "entity set schema file"},
		{opaPath, "policies", "authorization policy file"},
		{namespace, "namespace", "namespace of the entity types"},
		{logFormat, "log-format", "json or text"},
	} {
		values[f.t] = flag.String(f.name, flags[f.t], f.usage)
	}

	flag.Parse()

	for t, v := range values {
		flags[t] = *v
	}

	return ctx, flags
}
