package catalog

import (
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Entry is one aggregated catalog record: the globally unique catalog name,
// the owning endpoint, and the endpoint-local tool it forwards to.
type Entry struct {
	CatalogName string
	EndpointID  string
	ToolName    string
	Tool        *mcp.Tool
}

// ResourceEntry is one aggregated resource record.
type ResourceEntry struct {
	EndpointID string
	Resource   *mcp.Resource
}

// Catalog aggregates the tool and resource lists of all connected endpoints
// under namespaced, globally unique names. The registry pushes updates in;
// the index is rebuilt wholesale on every change, which is cheap at the
// catalog sizes involved (tens of entries).
type Catalog struct {
	ns Namespace

	mu        sync.RWMutex
	tools     map[string][]*mcp.Tool
	resources map[string][]*mcp.Resource
	byName    map[string]Entry
}

// New builds an empty catalog. A nil namespace selects DefaultNamespace.
func New(ns Namespace) *Catalog {
	if ns == nil {
		ns = DefaultNamespace
	}
	return &Catalog{
		ns:        ns,
		tools:     make(map[string][]*mcp.Tool),
		resources: make(map[string][]*mcp.Resource),
		byName:    make(map[string]Entry),
	}
}

// UpdateTools replaces one endpoint's contribution to the catalog.
func (c *Catalog) UpdateTools(endpointID string, tools []*mcp.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(tools) == 0 {
		delete(c.tools, endpointID)
	} else {
		c.tools[endpointID] = append([]*mcp.Tool(nil), tools...)
	}
	c.rebuildLocked()
}

// UpdateResources replaces one endpoint's resource list.
func (c *Catalog) UpdateResources(endpointID string, resources []*mcp.Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(resources) == 0 {
		delete(c.resources, endpointID)
	} else {
		c.resources[endpointID] = append([]*mcp.Resource(nil), resources...)
	}
}

// RemoveEndpoint withdraws everything the endpoint contributed.
func (c *Catalog) RemoveEndpoint(endpointID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tools, endpointID)
	delete(c.resources, endpointID)
	c.rebuildLocked()
}

func (c *Catalog) rebuildLocked() {
	index := make(map[string]Entry, len(c.byName))
	for endpointID, tools := range c.tools {
		for _, tool := range tools {
			name := c.ns.Join(endpointID, tool.Name)
			if _, taken := index[name]; taken {
				continue
			}
			index[name] = Entry{
				CatalogName: name,
				EndpointID:  endpointID,
				ToolName:    tool.Name,
				Tool:        tool,
			}
		}
	}
	c.byName = index
}

// Resolve maps a catalog name back to its entry.
func (c *Catalog) Resolve(catalogName string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byName[catalogName]
	return e, ok
}

// Entries returns the full catalog sorted by catalog name.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.byName))
	for _, e := range c.byName {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CatalogName < out[j].CatalogName })
	return out
}

// Resources returns every aggregated resource sorted by endpoint then URI.
func (c *Catalog) Resources() []ResourceEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ResourceEntry
	for endpointID, resources := range c.resources {
		for _, res := range resources {
			out = append(out, ResourceEntry{EndpointID: endpointID, Resource: res})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EndpointID != out[j].EndpointID {
			return out[i].EndpointID < out[j].EndpointID
		}
		return out[i].Resource.URI < out[j].Resource.URI
	})
	return out
}
