package render

import "cogentcore.org/core/math32"

// Effect is a linked shader program plus the metadata the renderer needs to
// schedule it. Effects are shared between queues and compared by pointer
// identity in the draw loop.
type Effect struct {
	Name string

	// Shader is the program used for forward and surface rendering. A nil
	// Shader means the effect failed to link; its queues are skipped.
	Shader Shader

	// DeferredSurfaceShader is the variant of Shader that samples the
	// light-accumulation texture instead of evaluating lights per
	// fragment. Nil when the effect has no deferred variant, in which
	// case the plain Shader is used even during deferred surface passes.
	DeferredSurfaceShader Shader

	// Blended effects are drawn back-to-front after all opaque geometry,
	// and are excluded from the deferred setup and shadow passes.
	Blended bool

	// Refractive effects sample the scene rendered so far, so they are
	// drawn after the opaque set and before the blended set.
	Refractive bool

	// BindParameters uploads per-draw uniforms for the active pass. It is
	// called after the effect's shader has been flushed and before each
	// indexed draw.
	BindParameters func(gi GraphicsInterface, pass *PassContext)
}

type QueueItemKind uint8

const (
	// QueueItemTransform replaces the pass model matrix for all
	// following items in the queue.
	QueueItemTransform QueueItemKind = iota
	// QueueItemRect draws a screen-space rectangle with the effect.
	QueueItemRect
	// QueueItemGeometryChunk draws an indexed geometry chunk.
	QueueItemGeometryChunk
	// QueueItemText draws a text chunk. Identical to a geometry chunk in
	// the draw loop, but excluded from shadow casting.
	QueueItemText
)

// QueueItem is one entry in an EffectQueue. Kind selects which of the
// payload fields is meaningful.
type QueueItem struct {
	Kind      QueueItemKind
	Transform math32.Matrix4
	Rect      Rect
	Chunk     *GeometryChunk
}

func TransformItem(transform math32.Matrix4) QueueItem {
	return QueueItem{Kind: QueueItemTransform, Transform: transform}
}

func RectItem(rect Rect) QueueItem {
	return QueueItem{Kind: QueueItemRect, Rect: rect}
}

func ChunkItem(chunk *GeometryChunk) QueueItem {
	return QueueItem{Kind: QueueItemGeometryChunk, Chunk: chunk}
}

func TextItem(chunk *GeometryChunk) QueueItem {
	return QueueItem{Kind: QueueItemText, Chunk: chunk}
}

// GeometryChunk is an indexed range of GPU geometry plus its model-space
// bounds, which the shadow passes use to fit caster volumes.
type GeometryChunk struct {
	VertexBuffer Buffer
	IndexBuffer  Buffer
	FirstIndex   int
	IndexCount   int
	Bounds       math32.Box3
}

// EffectQueue collects everything drawn with one effect during a frame, so
// the draw loop can switch shaders once per effect instead of once per
// object.
type EffectQueue struct {
	Effect *Effect
	Items  []QueueItem
}

func (q *EffectQueue) Add(item QueueItem) {
	q.Items = append(q.Items, item)
}

func (q *EffectQueue) Reset() {
	q.Items = q.Items[:0]
}

type PassKind uint8

const (
	PassForward PassKind = iota
	PassDeferredSetup
	PassLightAccumulation
	PassShadow
)

// PassContext carries the per-pass inputs that BindParameters callbacks
// read: camera matrices, the current model transform, and the textures
// produced by earlier passes.
type PassContext struct {
	Kind       PassKind
	View       math32.Matrix4
	Projection math32.Matrix4

	// OverrideShader forces one program for every queue in the pass,
	// regardless of the queue's effect. Depth-only and setup passes use
	// this.
	OverrideShader Shader

	// SubstituteDeferredSurface selects each effect's
	// DeferredSurfaceShader when it has one.
	SubstituteDeferredSurface bool

	// LightAccumulation is the texture produced by the light
	// accumulation pass, bound for deferred surface shaders.
	LightAccumulation Texture

	// ShadowMap and ShadowTransform are set per light while its shadow
	// map is bound.
	ShadowMap       Texture
	ShadowTransform math32.Matrix4

	// Light is the light being accumulated, during PassLightAccumulation.
	Light *Light

	// Rect is the rectangle being drawn, during rect items.
	Rect Rect

	model    math32.Matrix4
	mvp      math32.Matrix4
	mvpValid bool
}

// NewPassContext builds a pass context with an identity model matrix.
func NewPassContext(kind PassKind, view, projection math32.Matrix4) *PassContext {
	pass := &PassContext{
		Kind:       kind,
		View:       view,
		Projection: projection,
	}
	pass.model.SetIdentity()
	return pass
}

// SetModel replaces the model matrix and invalidates derived transforms.
func (p *PassContext) SetModel(model math32.Matrix4) {
	p.model = model
	p.mvpValid = false
}

func (p *PassContext) Model() *math32.Matrix4 {
	return &p.model
}

// ModelViewProjection returns the combined transform, recomputing it only
// when the model matrix changed since the last call.
func (p *PassContext) ModelViewProjection() *math32.Matrix4 {
	if !p.mvpValid {
		var viewProjection math32.Matrix4
		viewProjection.MulMatrices(&p.Projection, &p.View)
		p.mvp.MulMatrices(&viewProjection, &p.model)
		p.mvpValid = true
	}
	return &p.mvp
}
