package workflow

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"masterlinc/internal/domain"
)

//go:embed definition.schema.json
var definitionSchemaJSON []byte

var definitionSchema = jsonschema.MustCompileString("definition.schema.json", string(definitionSchemaJSON))

// parseDefinition decodes a YAML (or JSON) workflow definition and checks it
// against the definition schema. Field names match the execute request body.
func parseDefinition(data []byte) (domain.Workflow, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return domain.Workflow{}, fmt.Errorf("parse yaml: %w", err)
	}

	// Round-trip through JSON so the validator and the decoder see the
	// same JSON-typed document.
	doc, err := json.Marshal(raw)
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("convert to json: %w", err)
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return domain.Workflow{}, fmt.Errorf("convert to json: %w", err)
	}
	if err := definitionSchema.Validate(v); err != nil {
		return domain.Workflow{}, fmt.Errorf("schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	var wf domain.Workflow
	if err := dec.Decode(&wf); err != nil {
		return domain.Workflow{}, fmt.Errorf("decode: %w", err)
	}
	return wf, nil
}

// LoadDefinitions reads named workflow definitions from the configured
// directory. Invalid files are skipped with a warning.
func (e *Engine) LoadDefinitions() error {
	dir := e.cfg.DefinitionsDir
	if dir == "" {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.Debug("workflow definitions directory does not exist", "dir", dir)
			return nil
		}
		return fmt.Errorf("read definitions dir: %w", err)
	}

	loaded := make(map[string]domain.Workflow)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			e.logger.Warn("skip unreadable workflow definition", "file", entry.Name(), "error", err)
			continue
		}
		wf, err := parseDefinition(data)
		if err != nil {
			e.logger.Warn("skip invalid workflow definition", "file", entry.Name(), "error", err)
			continue
		}
		if wf.Name == "" {
			wf.Name = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		// Agent existence is checked per run; agents may register later.
		if _, err := buildGraph(wf.Steps); err != nil {
			e.logger.Warn("skip invalid workflow definition", "file", entry.Name(), "error", err)
			continue
		}
		if _, dup := loaded[wf.Name]; dup {
			e.logger.Warn("duplicate workflow definition name, later file wins", "name", wf.Name, "file", entry.Name())
		}
		loaded[wf.Name] = wf
	}

	e.definitions.Store(loaded)
	e.logger.Info("workflow definitions loaded", "count", len(loaded))
	return nil
}

// Definitions returns loaded workflow definitions sorted by name.
func (e *Engine) Definitions() []domain.Workflow {
	defs := e.definitions.Load().(map[string]domain.Workflow)
	out := make([]domain.Workflow, 0, len(defs))
	for _, name := range slices.Sorted(maps.Keys(defs)) {
		out = append(out, defs[name])
	}
	return out
}

// FromDefinition instantiates a named definition. Keys in overlay replace
// keys of the definition's shared context.
func (e *Engine) FromDefinition(name string, overlay map[string]any) (domain.Workflow, error) {
	defs := e.definitions.Load().(map[string]domain.Workflow)
	def, ok := defs[name]
	if !ok {
		return domain.Workflow{}, domain.NewSubSystemError("definition", "Engine.FromDefinition", domain.ErrNotFound,
			fmt.Sprintf("Workflow definition %s not found", name))
	}

	wf := def
	wf.Steps = slices.Clone(def.Steps)
	for i := range wf.Steps {
		wf.Steps[i].DependsOn = slices.Clone(def.Steps[i].DependsOn)
	}
	wf.Context = make(map[string]any, len(def.Context)+len(overlay))
	maps.Copy(wf.Context, def.Context)
	maps.Copy(wf.Context, overlay)
	return wf, nil
}
