package child

import "github.com/caffeineduck/polybridge/hostfunc"

func hostError(code, msg string) error {
	return hostfunc.FromCode(code, msg)
}

// Get reads a shared state entry.
func (c *Conn) Get(key string) (any, error) {
	var v any
	if err := c.Call("state_get", map[string]any{"key": key}, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Put writes a shared state entry. It fails with an error matching
// hostfunc.ErrCapacityExceeded when the store is full.
func (c *Conn) Put(key string, value any) error {
	return c.Call("state_put", map[string]any{"key": key, "value": value}, nil)
}

// Delete removes a shared state entry and reports whether it existed.
func (c *Conn) Delete(key string) (bool, error) {
	var deleted bool
	err := c.Call("state_delete", map[string]any{"key": key}, &deleted)
	return deleted, err
}

func (c *Conn) Keys() ([]string, error) {
	var keys []string
	err := c.Call("state_keys", nil, &keys)
	return keys, err
}

// Display hands rich content to the host, e.g. kind "text/html".
func (c *Conn) Display(kind, content string) error {
	return c.Call("host_display", map[string]any{"kind": kind, "content": content}, nil)
}
