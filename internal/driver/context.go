package driver

import "github.com/louisbranch/story-engine/internal/capability"

type contextLayer struct {
	tier   capability.Tier
	values map[string]any
}

// Context is the layered lookup a step gathers before anything else runs.
// Layers are pushed narrowest tier first and read in push order, so node
// values beat ancestor values beat graph values and so on outward.
type Context struct {
	layers []contextLayer
}

// Push adds a context layer at a tier. Empty layers are dropped.
func (c *Context) Push(tier capability.Tier, values map[string]any) {
	if len(values) == 0 {
		return
	}
	c.layers = append(c.layers, contextLayer{tier: tier, values: values})
}

// Lookup returns the value for a key from the narrowest layer that has it.
func (c *Context) Lookup(key string) (any, bool) {
	for _, layer := range c.layers {
		if v, ok := layer.values[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Flatten collapses the layers into one map with narrower tiers winning.
// Used to hand the whole context to expression evaluation.
func (c *Context) Flatten() map[string]any {
	flat := make(map[string]any)
	for i := len(c.layers) - 1; i >= 0; i-- {
		for k, v := range c.layers[i].values {
			flat[k] = v
		}
	}
	return flat
}

// Len returns the number of pushed layers.
func (c *Context) Len() int { return len(c.layers) }
