// Package catalog aggregates the tools and resources of every connected MCP
// endpoint into one namespaced catalog and provides the invoker that forwards
// calls on aggregated names back to the owning endpoint.
package catalog
