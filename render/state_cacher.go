package render

import "golang.org/x/exp/slog"

// StateCacher owns one CachedState per piece of backend render state and is
// the only path through which the renderer changes that state. It exists to
// collapse the redundant state churn a naive draw loop produces into the
// minimal set of backend calls.
type StateCacher struct {
	gi      GraphicsInterface
	logger  *slog.Logger
	entries []cachedStateEntry

	BlendMode   *CachedState[BlendMode]
	DepthTest   *CachedState[bool]
	DepthWrite  *CachedState[bool]
	CullFace    *CachedState[bool]
	ScissorTest *CachedState[bool]
	ScissorRect *CachedState[Rect]
	Viewport    *CachedState[Rect]
	ClearColor  *CachedState[Color]

	Shader       *CachedState[Shader]
	RenderTarget *CachedState[RenderTarget]
	VertexBuffer *CachedState[Buffer]
	IndexBuffer  *CachedState[Buffer]

	Textures         *IndexedCachedState[Texture]
	VertexAttributes *IndexedCachedState[bool]
}

// NewStateCacher builds the full state set, sized to the backend's
// capabilities, and force-flushes every state once so the cache and the
// backend agree on a known baseline. States the backend cannot support are
// built disabled, so code can drive them unconditionally.
func NewStateCacher(gi GraphicsInterface, logger *slog.Logger) *StateCacher {
	cacher := &StateCacher{
		gi:     gi,
		logger: logger,
	}

	cacher.BlendMode = registerState(cacher, newCachedState("BlendMode", BlendNone, gi.SetBlendMode))
	cacher.DepthTest = registerState(cacher, newCachedState("DepthTest", true, gi.SetDepthTest))
	cacher.DepthWrite = registerState(cacher, newCachedState("DepthWrite", true, gi.SetDepthWrite))
	cacher.CullFace = registerState(cacher, newCachedState("CullFace", true, gi.SetCullFace))
	cacher.ScissorTest = registerState(cacher, newCachedState("ScissorTest", false, gi.SetScissorTest))
	cacher.ScissorRect = registerState(cacher, newCachedState("ScissorRect", Rect{}, gi.SetScissorRect))
	cacher.Viewport = registerState(cacher, newCachedState("Viewport", Rect{}, gi.SetViewport))
	cacher.ClearColor = registerState(cacher, newCachedState("ClearColor", Color{}, gi.SetClearColor))

	cacher.Shader = registerState(cacher, newCachedState[Shader]("Shader", nil, gi.SetShader))
	cacher.RenderTarget = registerState(cacher, newCachedState[RenderTarget]("RenderTarget", nil, gi.SetRenderTarget))
	cacher.VertexBuffer = registerState(cacher, newCachedState[Buffer]("VertexBuffer", nil, gi.SetVertexBuffer))
	cacher.IndexBuffer = registerState(cacher, newCachedState[Buffer]("IndexBuffer", nil, gi.SetIndexBuffer))

	cacher.Textures = newIndexedCachedState[Texture]("Texture", gi.TextureUnitCount(), nil, gi.SetTexture)
	cacher.entries = append(cacher.entries, cacher.Textures)
	cacher.VertexAttributes = newIndexedCachedState("VertexAttribute", gi.VertexAttributeCount(), false, gi.SetVertexAttributeEnabled)
	cacher.entries = append(cacher.entries, cacher.VertexAttributes)

	if !gi.IsRenderTargetSupported() {
		cacher.RenderTarget.setEnabled(false)
		logger.Debug("StateCacher::NewStateCacher render targets unsupported, RenderTarget state disabled")
	}

	cacher.ForceFlushAll()
	return cacher
}

func registerState[T comparable](c *StateCacher, state *CachedState[T]) *CachedState[T] {
	c.entries = append(c.entries, state)
	return state
}

// FlushAll flushes every state that has a pending change.
func (c *StateCacher) FlushAll() {
	for _, entry := range c.entries {
		entry.flushState()
	}
}

// ForceFlushAll reissues every state to the backend regardless of the
// cache, re-establishing a known baseline.
func (c *StateCacher) ForceFlushAll() {
	for _, entry := range c.entries {
		entry.forceFlushState()
	}
}

// PushAll pushes every state stack. Paired with PopAll around code that
// changes arbitrary state.
func (c *StateCacher) PushAll() {
	for _, entry := range c.entries {
		entry.pushState()
	}
}

// PopAll pops every state stack pushed by PushAll. Values are restored in
// the cache only; call FlushAll to push them to the backend.
func (c *StateCacher) PopAll() {
	for _, entry := range c.entries {
		entry.popState()
	}
}

// SetAllDirty marks every state dirty, so the next FlushAll reissues
// everything. Used when external code has driven the backend directly.
func (c *StateCacher) SetAllDirty() {
	for _, entry := range c.entries {
		entry.markDirty()
	}
}

// InvalidateObject must be called before a GPU object is deleted, so no
// state stack keeps a reference to the dead handle.
func (c *StateCacher) InvalidateObject(object any) {
	if object == nil {
		return
	}
	for _, entry := range c.entries {
		entry.invalidateObject(object)
	}
}

// DeleteTexture unbinds and deletes a texture through the cacher.
func (c *StateCacher) DeleteTexture(texture Texture) {
	if texture == nil {
		return
	}
	c.InvalidateObject(texture)
	c.gi.DeleteTexture(texture)
}

// DeleteRenderTarget unbinds and deletes a render target through the cacher.
func (c *StateCacher) DeleteRenderTarget(target RenderTarget) {
	if target == nil {
		return
	}
	c.InvalidateObject(target)
	c.gi.DeleteRenderTarget(target)
}
