package main

import (
	"fmt"
	"os"

	beacon "github.com/protolambda/zrnt/eth2/beacon/common"
	"github.com/protolambda/zrnt/eth2/configs"
	"gopkg.in/yaml.v3"
)

// loadSpec starts from the named preset and, when configPath is set,
// overrides its chain configuration with the contents of a beacon
// config.yaml.
func loadSpec(network string, configPath string) (*beacon.Spec, error) {
	var spec beacon.Spec
	switch network {
	case "mainnet":
		spec = *configs.Mainnet
	case "minimal":
		spec = *configs.Minimal
	default:
		return nil, fmt.Errorf("unknown network preset: %s", network)
	}
	if configPath == "" {
		return &spec, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read beacon config: %w", err)
	}
	if err := yaml.Unmarshal(data, &spec.Config); err != nil {
		return nil, fmt.Errorf("unable to parse beacon config %s: %w", configPath, err)
	}
	return &spec, nil
}
