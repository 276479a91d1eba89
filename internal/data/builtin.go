package data

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"syscall"
	"time"
)

// FactSource exposes the local node facts to the fact plugin.
type FactSource interface {
	Facts() (map[string]any, error)
}

// FactPlugin answers fact("path.to.fact") lookups.
type FactPlugin struct {
	Source FactSource
}

func (FactPlugin) Descriptor() Descriptor {
	return Descriptor{
		Name:          "fact",
		Description:   "Structured fact query",
		Timeout:       time.Second,
		QueryRequired: true,
		Outputs:       map[string]any{"exists": false, "value": false, "value_encoding": false},
	}
}

func (p FactPlugin) Query(_ context.Context, query string, result *Result) error {
	facts, err := p.Source.Facts()
	if err != nil {
		return err
	}

	var current any = facts
	for _, part := range strings.Split(query, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil
			}
			current = v
		case []any:
			var idx int
			if _, err := fmt.Sscanf(part, "%d", &idx); err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}

	if err := result.Set("exists", true); err != nil {
		return err
	}

	switch v := current.(type) {
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_ = result.Set("value", string(encoded))
		return result.Set("value_encoding", "application/json")
	case nil:
		_ = result.Set("value", "")
	default:
		if err := result.Set("value", v); err != nil {
			_ = result.Set("value", fmt.Sprint(v))
		}
	}
	return result.Set("value_encoding", "text/plain")
}

// FstatPlugin answers fstat("/path") lookups.
type FstatPlugin struct{}

func (FstatPlugin) Descriptor() Descriptor {
	return Descriptor{
		Name:          "fstat",
		Description:   "Retrieve file stat data for a given file",
		Timeout:       time.Second,
		QueryRequired: true,
		Outputs: map[string]any{
			"output": "not present", "size": int64(0), "mode": "", "uid": int64(0), "gid": int64(0),
			"type": "", "md5": "", "mtime": "", "mtime_seconds": int64(0), "mtime_age": int64(0),
		},
	}
}

func (FstatPlugin) Query(_ context.Context, query string, result *Result) error {
	info, err := os.Lstat(query)
	if err != nil {
		if os.IsNotExist(err) {
			return result.Set("output", "not present")
		}
		return err
	}

	kind := "file"
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		kind = "symlink"
	case info.IsDir():
		kind = "directory"
	case !info.Mode().IsRegular():
		kind = "special"
	}

	now := time.Now()
	values := map[string]any{
		"output":        "present",
		"size":          info.Size(),
		"mode":          fmt.Sprintf("%o", uint32(info.Mode().Perm())|modeBits(info)),
		"type":          kind,
		"mtime":         info.ModTime().Format("2006-01-02 15:04:05"),
		"mtime_seconds": info.ModTime().Unix(),
		"mtime_age":     int64(now.Sub(info.ModTime()).Seconds()),
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		values["uid"] = int64(st.Uid)
		values["gid"] = int64(st.Gid)
	}
	if kind == "file" {
		sum, err := md5File(query)
		if err != nil {
			return err
		}
		values["md5"] = sum
	}

	for k, v := range values {
		if err := result.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

func modeBits(info os.FileInfo) uint32 {
	switch {
	case info.Mode().IsRegular():
		return 0o100000
	case info.IsDir():
		return 0o040000
	case info.Mode()&os.ModeSymlink != 0:
		return 0o120000
	}
	return 0
}

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CollectivePlugin answers collective("name").member lookups.
type CollectivePlugin struct {
	Collectives []string
}

func (CollectivePlugin) Descriptor() Descriptor {
	return Descriptor{
		Name:          "collective",
		Description:   "Collective membership",
		Timeout:       time.Second,
		QueryRequired: true,
		Outputs:       map[string]any{"member": false},
	}
}

func (p CollectivePlugin) Query(_ context.Context, query string, result *Result) error {
	return result.Set("member", slices.Contains(p.Collectives, query))
}

// AgentInfo describes a locally registered agent.
type AgentInfo struct {
	Name        string
	Description string
	Version     string
	Timeout     time.Duration
}

// AgentLister exposes the local agent inventory to the agent plugin.
type AgentLister interface {
	AgentInfo(name string) (AgentInfo, bool)
}

// AgentPlugin answers agent("name").version style lookups.
type AgentPlugin struct {
	Agents AgentLister
}

func (AgentPlugin) Descriptor() Descriptor {
	return Descriptor{
		Name:          "agent",
		Description:   "Meta data about installed agents",
		Timeout:       time.Second,
		QueryRequired: true,
		Outputs:       map[string]any{"agent": "", "description": "", "version": "", "timeout": int64(0)},
	}
}

func (p AgentPlugin) Query(_ context.Context, query string, result *Result) error {
	info, ok := p.Agents.AgentInfo(query)
	if !ok {
		return fmt.Errorf("%w: unknown agent %s", ErrInvalidQuery, query)
	}
	_ = result.Set("agent", info.Name)
	_ = result.Set("description", info.Description)
	_ = result.Set("version", info.Version)
	return result.Set("timeout", int64(info.Timeout.Seconds()))
}
