package registry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Instance statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusStarting  = "starting"
	StatusStopping  = "stopping"
)

// Instance is one registered (host, port) endpoint of a named service.
type Instance struct {
	Name     string            `json:"name"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Version  string            `json:"version,omitempty"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Status   string            `json:"status"`
	// Weight is a load-balancer hint; always >= 1.
	Weight        int       `json:"weight"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ID returns the registry identity "name:host:port". At most one record per
// ID exists.
func (i *Instance) ID() string {
	return fmt.Sprintf("%s:%s:%d", i.Name, i.Host, i.Port)
}

// Addr returns "host:port".
func (i *Instance) Addr() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

// toFields flattens the instance into a store hash.
func (i *Instance) toFields() map[string]string {
	fields := map[string]string{
		"name":           i.Name,
		"host":           i.Host,
		"port":           strconv.Itoa(i.Port),
		"version":        i.Version,
		"status":         i.Status,
		"weight":         strconv.Itoa(i.Weight),
		"registered_at":  i.RegisteredAt.UTC().Format(time.RFC3339Nano),
		"last_heartbeat": i.LastHeartbeat.UTC().Format(time.RFC3339Nano),
	}
	if len(i.Tags) > 0 {
		fields["tags"] = strings.Join(i.Tags, ",")
	}
	if len(i.Metadata) > 0 {
		if raw, err := json.Marshal(i.Metadata); err == nil {
			fields["metadata"] = string(raw)
		}
	}
	return fields
}

// instanceFromFields rebuilds an instance from a store hash.
func instanceFromFields(fields map[string]string) (*Instance, error) {
	port, err := strconv.Atoi(fields["port"])
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", fields["port"], err)
	}
	inst := &Instance{
		Name:    fields["name"],
		Host:    fields["host"],
		Port:    port,
		Version: fields["version"],
		Status:  fields["status"],
		Weight:  1,
	}
	if w, err := strconv.Atoi(fields["weight"]); err == nil && w >= 1 {
		inst.Weight = w
	}
	if tags := fields["tags"]; tags != "" {
		inst.Tags = strings.Split(tags, ",")
	}
	if meta := fields["metadata"]; meta != "" {
		_ = json.Unmarshal([]byte(meta), &inst.Metadata)
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["registered_at"]); err == nil {
		inst.RegisteredAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["last_heartbeat"]); err == nil {
		inst.LastHeartbeat = ts
	}
	return inst, nil
}

func (i *Instance) clone() *Instance {
	c := *i
	c.Tags = append([]string(nil), i.Tags...)
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
