// Package persist implements the per-runtime JSON sidecar files the
// daemon reads at boot and writes on every create/edit/remove, the
// equivalent of the teacher's device-parameter persistence except spread
// across one file per managed object instead of one well-known sysfs
// path per block device.
package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HiImSmiley/socketleyd/internal/errs"
	"github.com/HiImSmiley/socketleyd/internal/metrics"
	"github.com/HiImSmiley/socketleyd/internal/rt"
)

// Sidecar is the on-disk shape of a persisted runtime.
type Sidecar struct {
	ID          uuid.UUID        `json:"id"`
	Name        string           `json:"name"`
	Kind        string           `json:"kind"`
	WasRunning  bool             `json:"was_running"`
	LinkedCache string           `json:"linked_cache,omitempty"`
	Owner       string           `json:"owner,omitempty"`
	Group       string           `json:"group,omitempty"`
	ChildPolicy int              `json:"child_policy"`
	External    bool             `json:"external,omitempty"`
	PID         int              `json:"pid,omitempty"`
	Script      string           `json:"script,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	Server      *rt.ServerConfig `json:"server,omitempty"`
	Client      *rt.ClientConfig `json:"client,omitempty"`
	Proxy       *rt.ProxyConfig  `json:"proxy,omitempty"`
	Cache       *rt.CacheConfig  `json:"cache,omitempty"`
}

func path(dir, name string) string {
	return filepath.Join(dir, name+".json")
}

// Save writes runtime's sidecar file to dir, creating dir if necessary.
func Save(dir string, r *rt.Runtime, running bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap("persist.Save", err)
	}
	sc := Sidecar{
		ID: r.ID, Name: r.Name, Kind: r.Kind.String(),
		WasRunning: running, LinkedCache: r.LinkedCache,
		Owner: r.Owner, Group: r.Group,
		ChildPolicy: int(r.ChildPolicy), External: r.External, PID: r.PID,
		Script:    r.Script,
		CreatedAt: r.CreatedAt,
		Server:    r.Server, Client: r.Client, Proxy: r.Proxy, Cache: r.Cache,
	}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return errs.Wrap("persist.Save", err)
	}
	return os.WriteFile(path(dir, r.Name), data, 0o644)
}

// Remove deletes a runtime's sidecar file. A missing file is not an error.
func Remove(dir, name string) error {
	err := os.Remove(path(dir, name))
	if err != nil && !os.IsNotExist(err) {
		return errs.Wrap("persist.Remove", err)
	}
	return nil
}

// LoadAll scans dir for sidecar files and returns their decoded contents,
// skipping files that do not parse rather than aborting the whole scan.
func LoadAll(dir string) ([]Sidecar, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap("persist.LoadAll", err)
	}
	var out []Sidecar
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var sc Sidecar
		if err := json.Unmarshal(data, &sc); err != nil {
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

// ToRuntime reconstructs a *rt.Runtime from a decoded sidecar, the
// inverse of Save, used during boot-time restore.
func (sc Sidecar) ToRuntime() *rt.Runtime {
	var kind rt.Kind
	switch sc.Kind {
	case "client":
		kind = rt.KindClient
	case "proxy":
		kind = rt.KindProxy
	case "cache":
		kind = rt.KindCache
	default:
		kind = rt.KindServer
	}
	r := &rt.Runtime{
		ID: sc.ID, Name: sc.Name, Kind: kind,
		LinkedCache: sc.LinkedCache, Owner: sc.Owner, Group: sc.Group,
		ChildPolicy: rt.ChildPolicy(sc.ChildPolicy),
		External:    sc.External, PID: sc.PID,
		Script: sc.Script, CreatedAt: sc.CreatedAt, WasRunning: sc.WasRunning,
		Server: sc.Server, Client: sc.Client, Proxy: sc.Proxy, Cache: sc.Cache,
		Metrics: metrics.New(),
	}
	return r
}
