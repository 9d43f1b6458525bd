package definitions

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Cstolworthy/AgentParty/internal/workflow"
	"github.com/Cstolworthy/AgentParty/pkg/models"
)

const (
	workflowFile = "workflow.yaml"
	indexFile    = "index.yaml"
)

// definitionDirs lists the subdirectories of root that contain file. A
// missing root is treated as "no definitions".
func definitionDirs(root, file string) ([]string, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("definitions: read %s: %w", trimmed, err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(trimmed, entry.Name(), file)); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%s is empty", filepath.Base(path))
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// compileFiles reads the listed files relative to dir and joins the
// non-empty ones. Missing files are logged and skipped.
func compileFiles(dir string, files []string, logger Logger, render func(name, content string) string, sep string) string {
	var parts []string
	for _, name := range files {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("Definition file not found", "path", path)
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		parts = append(parts, render(name, content))
	}
	return strings.Join(parts, sep)
}

func loadAgents(root string, logger Logger) (map[string]*models.AgentDefinition, []LoadError, error) {
	ids, err := definitionDirs(root, indexFile)
	if err != nil {
		return nil, nil, err
	}
	agents := make(map[string]*models.AgentDefinition, len(ids))
	var failures []LoadError
	for _, id := range ids {
		dir := filepath.Join(root, id)
		var def models.AgentDefinition
		if err := readYAML(filepath.Join(dir, indexFile), &def); err != nil {
			failures = append(failures, LoadError{Kind: "agent", ID: id, Err: err})
			continue
		}
		def.ID = id
		if def.Name == "" {
			def.Name = id
		}
		def.SystemPrompt = compileFiles(dir, def.PromptFiles, logger,
			func(_, content string) string { return content }, "\n\n")
		agents[id] = &def
	}
	return agents, failures, nil
}

func loadWorkflows(root string, agents workflow.AgentResolver) (map[string]*models.WorkflowDefinition, []LoadError, error) {
	ids, err := definitionDirs(root, workflowFile)
	if err != nil {
		return nil, nil, err
	}
	workflows := make(map[string]*models.WorkflowDefinition, len(ids))
	var failures []LoadError
	for _, id := range ids {
		data, err := os.ReadFile(filepath.Join(root, id, workflowFile))
		if err != nil {
			failures = append(failures, LoadError{Kind: "workflow", ID: id, Err: err})
			continue
		}
		def, err := workflow.ParseDefinition(id, data, agents)
		if err != nil {
			failures = append(failures, LoadError{Kind: "workflow", ID: id, Err: err})
			continue
		}
		// the directory name is the canonical id
		def.ID = id
		workflows[id] = def
	}
	return workflows, failures, nil
}

func loadJobs(root string, workflows map[string]*models.WorkflowDefinition, logger Logger) (map[string]*models.JobDefinition, []LoadError, error) {
	ids, err := definitionDirs(root, indexFile)
	if err != nil {
		return nil, nil, err
	}
	jobs := make(map[string]*models.JobDefinition, len(ids))
	var failures []LoadError
	for _, id := range ids {
		dir := filepath.Join(root, id)
		var def models.JobDefinition
		if err := readYAML(filepath.Join(dir, indexFile), &def); err != nil {
			failures = append(failures, LoadError{Kind: "job", ID: id, Err: err})
			continue
		}
		def.ID = id
		if def.Title == "" {
			def.Title = id
		}
		if def.AssignedTo == "" {
			def.AssignedTo = "programmer"
		}
		if def.Priority == "" {
			def.Priority = "medium"
		}
		if def.WorkflowID == "" {
			failures = append(failures, LoadError{Kind: "job", ID: id, Err: errors.New("workflow is required")})
			continue
		}
		if _, ok := workflows[def.WorkflowID]; !ok {
			failures = append(failures, LoadError{Kind: "job", ID: id, Err: fmt.Errorf("workflow %q is not loaded", def.WorkflowID)})
			continue
		}
		var err error
		if def.CreatedAt, err = metadataTime(def.Metadata, "created_at"); err != nil {
			failures = append(failures, LoadError{Kind: "job", ID: id, Err: err})
			continue
		}
		if def.Deadline, err = metadataTime(def.Metadata, "deadline"); err != nil {
			failures = append(failures, LoadError{Kind: "job", ID: id, Err: err})
			continue
		}
		def.ContextContent = compileFiles(dir, def.ContextFiles, logger,
			func(name, content string) string { return "## " + name + "\n\n" + content }, "\n\n---\n\n")
		jobs[id] = &def
	}
	return jobs, failures, nil
}

func metadataTime(meta map[string]any, key string) (*time.Time, error) {
	raw, ok := meta[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case time.Time:
		return &v, nil
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return &t, nil
			}
		}
		return nil, fmt.Errorf("metadata.%s: unrecognised time %q", key, v)
	default:
		return nil, fmt.Errorf("metadata.%s: unsupported type %T", key, raw)
	}
}
