package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"Agora-Substrate/internal/ledger"
)

// ResourceDefinitions models the structure of resources.yaml.
type ResourceDefinitions struct {
	Resources []ledger.ResourceSpec `yaml:"resources"`
}

// LoadResourceDefinitions parses the YAML file containing resource-type
// definitions. A missing path yields the built-in defaults so a bare
// deployment still has compute and storage to account against.
func LoadResourceDefinitions(path string) (ResourceDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return defaultResourceDefinitions(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultResourceDefinitions(), nil
		}
		return ResourceDefinitions{}, fmt.Errorf("读取资源定义失败: %w", err)
	}

	var defs ResourceDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ResourceDefinitions{}, fmt.Errorf("解析资源定义失败: %w", err)
	}
	if len(defs.Resources) == 0 {
		return defaultResourceDefinitions(), nil
	}
	return defs, nil
}

func defaultResourceDefinitions() ResourceDefinitions {
	return ResourceDefinitions{Resources: []ledger.ResourceSpec{
		{Name: "compute", Kind: ledger.ResourceFlow, Rate: 10, Capacity: 1000},
		{Name: "bandwidth", Kind: ledger.ResourceFlow, Rate: 100, Capacity: 5000},
		{Name: "storage", Kind: ledger.ResourceStock, Quota: 1 << 20},
	}}
}
