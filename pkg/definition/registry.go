package definition

import (
	"sort"
	"sync"

	"github.com/kaiban-ai/kaiban-go/pkg/flow"
	"github.com/kaiban-ai/kaiban-go/pkg/schema"
)

// BlockInfo is a catalog row describing one registered block.
type BlockInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Registry is a thread-safe catalog of blocks addressable by id from
// definition documents.
type Registry struct {
	mu     sync.RWMutex
	blocks map[string]*flow.Block
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		blocks: make(map[string]*flow.Block),
	}
}

// Register adds a block under its id. Returns an error for nil blocks,
// empty or reserved ids, and duplicate registrations.
func (r *Registry) Register(b *flow.Block) error {
	if b == nil {
		return schema.NewError(schema.ErrCodeValidation, "block is nil")
	}
	if b.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "block id is empty")
	}
	if b.ID == flow.InputKey {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"block id %q is reserved for the workflow input", flow.InputKey)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.blocks[b.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "block %q already registered", b.ID)
	}

	r.blocks[b.ID] = b
	return nil
}

// Get retrieves a block by id.
func (r *Registry) Get(name string) (*flow.Block, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.blocks[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "block %q not registered", name)
	}
	return b, nil
}

// Has checks if a block is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blocks[name]
	return ok
}

// List returns info for all registered blocks, sorted by name.
func (r *Registry) List() []BlockInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]BlockInfo, 0, len(r.blocks))
	for _, b := range r.blocks {
		infos = append(infos, BlockInfo{
			Name:        b.ID,
			Description: b.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Count returns the number of registered blocks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blocks)
}
