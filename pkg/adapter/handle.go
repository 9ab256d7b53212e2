package adapter

import "sync"

// SessionHandle caches the model identity a session is bound to so
// repeated turns reuse the same backend unless the default changes
type SessionHandle struct {
	SessionID string
	ModelID   string
	Profile   string

	// defaultModel is the configured default this handle was created
	// against; a changed default invalidates the binding
	defaultModel string
}

// HandleCache maps sessions to their model handles
type HandleCache struct {
	handles map[string]*SessionHandle
	mu      sync.Mutex
}

// NewHandleCache creates an empty handle cache
func NewHandleCache() *HandleCache {
	return &HandleCache{
		handles: make(map[string]*SessionHandle),
	}
}

// Resolve returns the session's handle, creating it lazily. An
// existing handle is discarded when the configured default model
// has changed since it was created.
func (c *HandleCache) Resolve(sessionID, defaultModel string) *SessionHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.handles[sessionID]; ok && h.defaultModel == defaultModel {
		return h
	}

	h := &SessionHandle{
		SessionID:    sessionID,
		ModelID:      defaultModel,
		defaultModel: defaultModel,
	}
	c.handles[sessionID] = h
	return h
}

// Bind records the (model, profile) pair currently being attempted
func (c *HandleCache) Bind(sessionID, modelID, profile string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[sessionID]; ok {
		h.ModelID = modelID
		h.Profile = profile
	}
}

// Invalidate drops the session's handle
func (c *HandleCache) Invalidate(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, sessionID)
}
