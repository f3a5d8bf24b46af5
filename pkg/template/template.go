package template

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// TemplateType names a starter task shape.
type TemplateType string

const (
	TypeSimple  TemplateType = "simple"
	TypeBasic   TemplateType = "basic"
	TypeWorker  TemplateType = "worker"
	TypeService TemplateType = "service"
	TypeBatch   TemplateType = "batch"
	TypeReport  TemplateType = "report"
)

// File mirrors the subset of procwarden.toml a starter config needs.
// Durations are written as strings so the file stays hand-editable.
type File struct {
	BasePath string      `toml:"base_path"`
	Cleanup  CleanupFile `toml:"cleanup"`
	Stream   StreamFile  `toml:"stream"`
	Log      LogFile     `toml:"log"`
	Server   ServerFile  `toml:"server"`
	Tasks    []Task      `toml:"tasks"`
}

type CleanupFile struct {
	Schedule            string `toml:"schedule"`
	NewFolderThreshold  string `toml:"new_folder_threshold"`
	LockFolderThreshold string `toml:"lock_folder_threshold"`
}

type StreamFile struct {
	StdoutPrefix string `toml:"stdout_prefix,omitempty"`
	StderrPrefix string `toml:"stderr_prefix,omitempty"`
}

type LogFile struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerFile struct {
	Listen   string `toml:"listen"`
	BasePath string `toml:"base_path"`
}

// Task is one [[tasks]] entry.
type Task struct {
	ID           string   `toml:"id,omitempty"`
	Name         string   `toml:"name"`
	Command      string   `toml:"command"`
	Args         []string `toml:"args,omitempty"`
	Env          []string `toml:"env,omitempty"`
	HoldFor      string   `toml:"hold_for,omitempty"`
	StdoutPrefix string   `toml:"stdout_prefix,omitempty"`
	StderrPrefix string   `toml:"stderr_prefix,omitempty"`
}

// Generator produces starter configuration files.
type Generator struct {
	BasePath string
}

func NewGenerator(basePath string) *Generator {
	if basePath == "" {
		basePath = "/var/lib/procwarden/tasks"
	}
	return &Generator{BasePath: basePath}
}

// Generate returns a config with one task of the given type.
func (g *Generator) Generate(t TemplateType, name string) (*File, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("template requires a task name")
	}
	task, err := g.task(t, name)
	if err != nil {
		return nil, err
	}
	return &File{
		BasePath: g.BasePath,
		Cleanup: CleanupFile{
			Schedule:            "@every 1m",
			NewFolderThreshold:  "1m",
			LockFolderThreshold: "10m",
		},
		Log:    LogFile{Level: "info", Format: "text"},
		Server: ServerFile{Listen: "127.0.0.1:8080", BasePath: "/api"},
		Tasks:  []Task{task},
	}, nil
}

// GenerateTOML renders Generate's result.
func (g *Generator) GenerateTOML(t TemplateType, name string) ([]byte, error) {
	f, err := g.Generate(t, name)
	if err != nil {
		return nil, err
	}
	b, err := toml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return b, nil
}

func (g *Generator) task(t TemplateType, name string) (Task, error) {
	switch t {
	case TypeSimple, TypeBasic:
		return Task{Name: name, Command: "echo hello from $PROCWARDEN_TASK_ID"}, nil
	case TypeWorker:
		return Task{
			Name:         name,
			Command:      "sh -c 'while true; do echo working; sleep 10; done'",
			StdoutPrefix: "[" + name + "] ",
			StderrPrefix: "[" + name + ":err] ",
		}, nil
	case TypeService:
		return Task{
			ID:      name,
			Name:    name,
			Command: "python3",
			Args:    []string{"-m", "http.server", "8000"},
			Env:     []string{"PYTHONUNBUFFERED=1"},
		}, nil
	case TypeBatch:
		return Task{
			Name:    name,
			Command: "sh -c './run.sh > result.txt'",
			HoldFor: "1h",
		}, nil
	case TypeReport:
		return Task{
			Name:         name,
			Command:      "sh -c 'date; df -h'",
			HoldFor:      "24h",
			StdoutPrefix: "[report] ",
		}, nil
	default:
		return Task{}, fmt.Errorf("unknown template type: %s (supported: %s)", t, strings.Join(SupportedTypes(), ", "))
	}
}

// SupportedTypes lists the primary type names, without aliases.
func SupportedTypes() []string {
	out := []string{string(TypeSimple), string(TypeWorker), string(TypeService), string(TypeBatch), string(TypeReport)}
	sort.Strings(out)
	return out
}
