// Package catalog 提供设备目录：内置、YAML 文件或 Redis 发现
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/go-redis/redis/v8"
	"github.com/xilian/equipment-stream/internal/config"
	"github.com/xilian/equipment-stream/internal/model"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// ErrInvalidCatalog 目录内容不合法
var ErrInvalidCatalog = errors.New("invalid catalog")

// SensorSpec 传感器定义
type SensorSpec struct {
	SensorType  string      `yaml:"sensorType" json:"sensorType"`
	Unit        string      `yaml:"unit" json:"unit"`
	NormalRange model.Range `yaml:"normalRange" json:"normalRange"`
	// 标称值，为 0 时取范围中点
	Nominal float64 `yaml:"nominal,omitempty" json:"nominal,omitempty"`
}

// Baseline 模拟和初始读数使用的标称值
func (s SensorSpec) Baseline() float64 {
	if s.Nominal != 0 {
		return s.Nominal
	}
	return s.NormalRange.Min() + s.NormalRange.Span()/2
}

// Entry 单台设备定义
type Entry struct {
	ID      string                `yaml:"id" json:"id"`
	Name    string                `yaml:"name" json:"name"`
	Status  model.EquipmentStatus `yaml:"status" json:"status"`
	Sensors []SensorSpec          `yaml:"sensors" json:"sensors"`
}

// Catalog 设备目录，进程内只读
type Catalog struct {
	Equipment []Entry `yaml:"equipment"`

	index map[string]int
}

// New 校验并建立索引
func New(entries []Entry) (*Catalog, error) {
	c := &Catalog{Equipment: entries}
	if err := c.build(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) build() error {
	if len(c.Equipment) == 0 {
		return fmt.Errorf("%w: no equipment", ErrInvalidCatalog)
	}
	c.index = make(map[string]int, len(c.Equipment))
	for i, e := range c.Equipment {
		if e.ID == "" {
			return fmt.Errorf("%w: equipment #%d has no id", ErrInvalidCatalog, i)
		}
		if _, dup := c.index[e.ID]; dup {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidCatalog, e.ID)
		}
		if e.Status == "" {
			c.Equipment[i].Status = model.EquipmentOperational
		} else if !e.Status.Valid() {
			return fmt.Errorf("%w: %s has unknown status %q", ErrInvalidCatalog, e.ID, e.Status)
		}
		if c.Equipment[i].Name == "" {
			c.Equipment[i].Name = e.ID
		}
		for _, s := range e.Sensors {
			if s.SensorType == "" {
				return fmt.Errorf("%w: %s has a sensor without type", ErrInvalidCatalog, e.ID)
			}
			if s.NormalRange.Max() < s.NormalRange.Min() {
				return fmt.Errorf("%w: %s/%s range min > max", ErrInvalidCatalog, e.ID, s.SensorType)
			}
		}
		c.index[e.ID] = i
	}
	return nil
}

// Len 设备数量
func (c *Catalog) Len() int { return len(c.Equipment) }

// Lookup 按 ID 查找设备
func (c *Catalog) Lookup(id string) (Entry, bool) {
	i, ok := c.index[id]
	if !ok {
		return Entry{}, false
	}
	return c.Equipment[i], true
}

// Sensor 查找设备的传感器定义
func (c *Catalog) Sensor(equipmentID, sensorType string) (SensorSpec, bool) {
	e, ok := c.Lookup(equipmentID)
	if !ok {
		return SensorSpec{}, false
	}
	for _, s := range e.Sensors {
		if s.SensorType == sensorType {
			return s, true
		}
	}
	return SensorSpec{}, false
}

// LoadFile 从 YAML 文件加载
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.build(); err != nil {
		return nil, err
	}
	return &c, nil
}

// HashReader Redis 中读取哈希的能力
type HashReader interface {
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
}

// LoadRedis 从 Redis 哈希发现设备，字段为设备 ID，值为 JSON 或 YAML 设备定义
func LoadRedis(ctx context.Context, rdb HashReader, key string) (*Catalog, error) {
	fields, err := rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("discover catalog from %s: %w", key, err)
	}

	ids := make([]string, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		var e Entry
		if err := yaml.Unmarshal([]byte(fields[id]), &e); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCatalog, id, err)
		}
		if e.ID == "" {
			e.ID = id
		}
		entries = append(entries, e)
	}
	return New(entries)
}

// Load 按配置选择目录来源
func Load(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Catalog, error) {
	switch cfg.Catalog.Source {
	case "", "builtin":
		logger.Info("Using builtin equipment catalog")
		return Builtin(), nil
	case "file":
		logger.Info("Loading equipment catalog", zap.String("file", cfg.Catalog.File))
		return LoadFile(cfg.Catalog.File)
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("Discovering equipment catalog",
			zap.String("addr", cfg.Redis.Addr),
			zap.String("key", cfg.Redis.CatalogKey),
		)
		return LoadRedis(ctx, rdb, cfg.Redis.CatalogKey)
	default:
		return nil, fmt.Errorf("unknown catalog source %q", cfg.Catalog.Source)
	}
}
