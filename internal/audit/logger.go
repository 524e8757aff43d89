// Package audit appends one JSON line per provider, rule or upload event.
// Entries never carry credential material.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"
)

// Actions recorded by the service.
const (
	ActionConnect     = "provider.connect"
	ActionDisconnect  = "provider.disconnect"
	ActionEnable      = "provider.enable"
	ActionDisable     = "provider.disable"
	ActionMetadata    = "provider.metadata"
	ActionRuleCreate  = "rule.create"
	ActionRuleUpdate  = "rule.update"
	ActionRuleReorder = "rule.reorder"
	ActionRuleDelete  = "rule.delete"
	ActionDefaultSet  = "workspace.default"
	ActionUpload      = "upload"
)

type Entry struct {
	Timestamp    time.Time `json:"ts"`
	Action       string    `json:"action"`
	Workspace    string    `json:"workspace,omitempty"`
	ProviderID   string    `json:"provider_id,omitempty"`
	ProviderType string    `json:"provider_type,omitempty"`
	RuleID       string    `json:"rule_id,omitempty"`
	File         string    `json:"file,omitempty"`
	RemotePath   string    `json:"remote_path,omitempty"`
	Bytes        int64     `json:"bytes,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	TriggeredBy  string    `json:"triggered_by,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Error        string    `json:"error,omitempty"`
}

type QueryOptions struct {
	Workspace  string
	ProviderID string
	Action     string
	Hours      int
}

type Logger struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func New(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, err
	}
	return &Logger{f: f, path: path}, nil
}

func (l *Logger) Close() error { return l.f.Close() }

func (l *Logger) Log(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	data, _ := json.Marshal(e)
	l.f.Write(append(data, '\n'))
}

// Prune removes entries older than retentionDays, rewriting the file.
// No-op if retentionDays is 0.
func (l *Logger) Prune(retentionDays int) error {
	if retentionDays == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	f, err := os.Open(l.path)
	if err != nil {
		return err
	}
	var keep [][]byte
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		line := scanner.Bytes()
		if err := json.Unmarshal(line, &e); err != nil {
			keep = append(keep, append([]byte{}, line...)) // preserve unparseable lines
			continue
		}
		if !e.Timestamp.Before(cutoff) {
			keep = append(keep, append([]byte{}, line...))
		}
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return err
	}

	tmp := l.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	for _, line := range keep {
		out.Write(line)
		out.Write([]byte{'\n'})
	}
	out.Close()

	if err := os.Rename(tmp, l.path); err != nil {
		return err
	}

	l.f.Close()
	l.f, err = os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	return err
}

func (l *Logger) Query(opts QueryOptions) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cutoff time.Time
	if opts.Hours > 0 {
		cutoff = time.Now().Add(-time.Duration(opts.Hours) * time.Hour)
	}

	var results []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if opts.Workspace != "" && e.Workspace != opts.Workspace {
			continue
		}
		if opts.ProviderID != "" && e.ProviderID != opts.ProviderID {
			continue
		}
		if opts.Action != "" && !strings.HasPrefix(e.Action, opts.Action) {
			continue
		}
		if !cutoff.IsZero() && e.Timestamp.Before(cutoff) {
			continue
		}
		results = append(results, e)
	}
	return results, scanner.Err()
}
