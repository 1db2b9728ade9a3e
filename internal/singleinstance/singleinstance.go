// Package singleinstance guards against two dispatcher processes binding
// the same HTTP address and racing to rebuild the same persistent queue
// store: a PID lock file plus a liveness probe, with no OS-specific mutex
// APIs.
package singleinstance

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

// Info is the JSON structure of the lock file.
type Info struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"started_at"`
	Hostname  string    `json:"hostname"`
}

// Guard holds the lock file path this process either acquired or inspected.
type Guard struct {
	path string
}

// New returns a Guard for the lock file at path.
func New(path string) *Guard {
	return &Guard{path: path}
}

// Acquire checks for an existing live instance and, finding none, writes a
// fresh lock file for the current process. If a live instance is found its
// Info is returned alongside an error so the caller can decide whether to
// exit or take over (e.g. after confirming the other instance is
// unresponsive).
func (g *Guard) Acquire(addr string) (*Info, error) {
	existing, err := g.readLockFile()
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("singleinstance: reading lock file: %w", err)
		}
		return nil, g.write(addr)
	}

	if processAlive(existing.PID) {
		return existing, fmt.Errorf("singleinstance: another instance is already running (pid %d, addr %s)", existing.PID, existing.Addr)
	}

	// Stale lock file left by a process that died without cleaning up.
	return nil, g.write(addr)
}

// Release removes the lock file. Call on graceful shutdown.
func (g *Guard) Release() error {
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("singleinstance: removing lock file: %w", err)
	}
	return nil
}

func (g *Guard) write(addr string) error {
	hostname, _ := os.Hostname()
	info := Info{
		PID:       os.Getpid(),
		Addr:      addr,
		StartedAt: time.Now(),
		Hostname:  hostname,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("singleinstance: marshaling lock file: %w", err)
	}
	if err := os.WriteFile(g.path, data, 0644); err != nil {
		return fmt.Errorf("singleinstance: writing lock file: %w", err)
	}
	return nil
}

func (g *Guard) readLockFile() (*Info, error) {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("singleinstance: parsing lock file: %w", err)
	}
	return &info, nil
}

// HealthCheck probes addr's combined-set endpoint, used to decide whether
// a live PID is actually serving traffic or just hung.
func HealthCheck(addr string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/subscribers")
	if err != nil {
		return fmt.Errorf("singleinstance: health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("singleinstance: health check returned status %d", resp.StatusCode)
	}
	return nil
}

// AddrInUse reports whether something is already listening on addr, used by
// cmd/dispatcherd to fail fast with a clearer error than a bind failure deep
// inside http.Server.ListenAndServe.
func AddrInUse(addr string) bool {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return true
	}
	ln.Close()
	return false
}
