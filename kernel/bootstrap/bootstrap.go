// Package bootstrap assembles a ready-to-run engine stack from declarative
// settings: event store, model provider, tool set and optional delegation.
package bootstrap

import (
	"fmt"
	"strings"

	"github.com/finsightai/convo/kernel/delegate"
	"github.com/finsightai/convo/kernel/model"
	"github.com/finsightai/convo/kernel/model/providers"
	"github.com/finsightai/convo/kernel/runtime"
	"github.com/finsightai/convo/kernel/session"
	"github.com/finsightai/convo/kernel/session/filestore"
	"github.com/finsightai/convo/kernel/session/inmemory"
	"github.com/finsightai/convo/kernel/session/sqlite"
	"github.com/finsightai/convo/kernel/tool"
	"github.com/finsightai/convo/kernel/turnloop"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreFile   = "file"
)

// AssembleSpec describes one engine assembly.
type AssembleSpec struct {
	// StoreBackend selects event persistence: memory, sqlite or file.
	// Empty means memory.
	StoreBackend string
	// StorePath is the database file or directory for persistent backends.
	StorePath string

	// Provider selects the model alias config. Optional when Model is set.
	Provider *providers.Config
	// Model overrides provider construction with a ready LLM.
	Model model.LLM

	Tools []tool.Tool
	Loop  turnloop.Config
	// EnableDelegation adds the delegate tool backed by the same model and
	// tool set.
	EnableDelegation   bool
	MaxDelegationDepth int

	Engine runtime.Config
}

// Resolved is the assembled engine stack.
type Resolved struct {
	Store  session.Store
	Model  model.LLM
	Tools  []tool.Tool
	Agent  *turnloop.Agent
	Engine *runtime.Engine

	closer func() error
}

// Close releases store resources for backends that hold any.
func (r *Resolved) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}
	return r.closer()
}

// Assemble builds the full stack from one spec.
func Assemble(spec AssembleSpec) (*Resolved, error) {
	store, closer, err := buildStore(spec)
	if err != nil {
		return nil, err
	}

	llm := spec.Model
	if llm == nil {
		if spec.Provider == nil {
			return nil, fmt.Errorf("bootstrap: either model or provider config is required")
		}
		factory := providers.NewFactory()
		if err := factory.Register(*spec.Provider); err != nil {
			return nil, err
		}
		llm, err = factory.NewByAlias(spec.Provider.Alias)
		if err != nil {
			return nil, err
		}
	}

	tools := append([]tool.Tool(nil), spec.Tools...)
	if spec.EnableDelegation {
		coordinator, err := delegate.New(delegate.Config{
			Model:    llm,
			Tools:    tools,
			MaxDepth: spec.MaxDelegationDepth,
			Loop:     spec.Loop,
		})
		if err != nil {
			return nil, err
		}
		tools = append(tools, coordinator)
	}

	loopCfg := spec.Loop
	if strings.TrimSpace(loopCfg.Name) == "" {
		loopCfg.Name = "assistant"
	}
	ag, err := turnloop.New(loopCfg)
	if err != nil {
		return nil, err
	}

	engineCfg := spec.Engine
	engineCfg.Store = store
	engine, err := runtime.New(engineCfg)
	if err != nil {
		return nil, err
	}

	return &Resolved{
		Store:  store,
		Model:  llm,
		Tools:  tools,
		Agent:  ag,
		Engine: engine,
		closer: closer,
	}, nil
}

func buildStore(spec AssembleSpec) (session.Store, func() error, error) {
	backend := strings.ToLower(strings.TrimSpace(spec.StoreBackend))
	switch backend {
	case "", StoreMemory:
		return inmemory.New(), nil, nil
	case StoreSQLite:
		if strings.TrimSpace(spec.StorePath) == "" {
			return nil, nil, fmt.Errorf("bootstrap: store_path is required for sqlite backend")
		}
		store, err := sqlite.New(spec.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case StoreFile:
		if strings.TrimSpace(spec.StorePath) == "" {
			return nil, nil, fmt.Errorf("bootstrap: store_path is required for file backend")
		}
		store, err := filestore.New(spec.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("bootstrap: unknown store backend %q", spec.StoreBackend)
	}
}
