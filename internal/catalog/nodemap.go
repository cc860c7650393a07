package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// NodeBinding OPC-UA 节点到设备传感器的映射
type NodeBinding struct {
	NodeID      string `yaml:"nodeId"`
	EquipmentID string `yaml:"equipmentId"`
	SensorType  string `yaml:"sensorType"`
}

type nodeMapFile struct {
	Nodes []NodeBinding `yaml:"nodes"`
}

// LoadNodeMap 读取节点映射文件，并检查引用的设备与传感器存在于目录中
func LoadNodeMap(path string, c *Catalog) ([]NodeBinding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read node map: %w", err)
	}
	var f nodeMapFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse node map: %w", err)
	}

	seen := make(map[string]bool, len(f.Nodes))
	for _, b := range f.Nodes {
		if b.NodeID == "" {
			return nil, fmt.Errorf("%w: node binding without nodeId", ErrInvalidCatalog)
		}
		if seen[b.NodeID] {
			return nil, fmt.Errorf("%w: node %s mapped twice", ErrInvalidCatalog, b.NodeID)
		}
		seen[b.NodeID] = true
		if _, ok := c.Sensor(b.EquipmentID, b.SensorType); !ok {
			return nil, fmt.Errorf("%w: node %s references unknown sensor %s/%s",
				ErrInvalidCatalog, b.NodeID, b.EquipmentID, b.SensorType)
		}
	}
	return f.Nodes, nil
}
