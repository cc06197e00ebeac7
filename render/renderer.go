package render

import (
	"cogentcore.org/core/math32"
	"golang.org/x/exp/slog"
)

// DeferredEffects holds the shader effects the deferred lighting pipeline
// needs. Renderer.IsDeferredLightingSupported checks that all four linked.
type DeferredEffects struct {
	// Setup renders opaque geometry into the normals+depth buffers.
	Setup *Effect
	// PointLight accumulates one point or spot light over a full-screen
	// quad.
	PointLight *Effect
	// DirectionalLight accumulates one directional light over the screen
	// rectangle.
	DirectionalLight *Effect
	// Surface is the base surface effect; queues using it are redirected
	// to its DeferredSurfaceShader during the final composite.
	Surface *Effect
	// ShadowDepth is the depth-only program used for shadow casters. Nil
	// disables shadow maps without disabling deferred lighting.
	ShadowDepth *Effect
}

// Camera is the view and projection pair a frame is rendered with.
type Camera struct {
	View       math32.Matrix4
	Projection math32.Matrix4
}

// FrameView is everything the renderer needs for one frame: the sorted
// effect queues produced by the scene gather stage, the lights, and the
// camera.
type FrameView struct {
	Queues   []*EffectQueue
	Lights   []Light
	Ambient  Color
	Camera   Camera
	Viewport Rect

	DeferredLighting bool
	Shadows          bool
}

// Renderer drives a frame through the graphics backend: deferred lighting
// when supported and requested, then the forward passes over the sorted
// effect queues. All methods must be called from the render thread.
type Renderer struct {
	gi     GraphicsInterface
	states *StateCacher
	logger *slog.Logger
	pool   *TexturePool

	deferred DeferredEffects

	// quad is the shared full-screen quad geometry used by the light
	// accumulation and rectangle draws.
	quad *GeometryChunk

	// frameTextures tracks every pool texture borrowed during the
	// current frame. They are released unconditionally when the frame
	// ends, including on deferred-pass failure paths.
	frameTextures []Texture

	deferredWarned bool
}

func NewRenderer(gi GraphicsInterface, logger *slog.Logger, deferred DeferredEffects, quad *GeometryChunk) *Renderer {
	return &Renderer{
		gi:       gi,
		states:   NewStateCacher(gi, logger),
		logger:   logger,
		pool:     NewTexturePool(gi, logger),
		deferred: deferred,
		quad:     quad,
	}
}

// States exposes the renderer's state cacher, which is the only valid path
// to backend render state while this renderer owns the backend.
func (r *Renderer) States() *StateCacher {
	return r.states
}

func (r *Renderer) TexturePool() *TexturePool {
	return r.pool
}

// Destroy releases the renderer's pooled resources.
func (r *Renderer) Destroy() {
	r.pool.Destroy(r.states.DeleteTexture)
}

type queueLists struct {
	normal     []*EffectQueue
	refractive []*EffectQueue
	blended    []*EffectQueue
}

// sortEffectQueues splits the gathered queues into the three draw phases.
// Queues with no effect or no items are dropped here so the draw loops can
// assume both.
func sortEffectQueues(queues []*EffectQueue) queueLists {
	var lists queueLists
	for _, queue := range queues {
		if queue == nil || queue.Effect == nil || len(queue.Items) == 0 {
			continue
		}
		switch {
		case queue.Effect.Refractive:
			lists.refractive = append(lists.refractive, queue)
		case queue.Effect.Blended:
			lists.blended = append(lists.blended, queue)
		default:
			lists.normal = append(lists.normal, queue)
		}
	}
	return lists
}

type blendFilter uint8

const (
	drawAll blendFilter = iota
	drawOpaqueOnly
	drawBlendedOnly
)

// resolveShader picks the program a queue's effect uses in the given pass.
// A nil result means the queue is skipped.
func resolveShader(effect *Effect, pass *PassContext) Shader {
	if pass.OverrideShader != nil {
		return pass.OverrideShader
	}
	if pass.SubstituteDeferredSurface && effect.DeferredSurfaceShader != nil {
		return effect.DeferredSurfaceShader
	}
	return effect.Shader
}

// drawEffectQueues is the shared draw loop. It walks the queues in order,
// switching the shader program only when the resolved program actually
// changes, and dispatches the queue items. skipText excludes text chunks,
// which never cast shadows.
func (r *Renderer) drawEffectQueues(queues []*EffectQueue, filter blendFilter, pass *PassContext, skipText bool) {
	var currentShader Shader

	for _, queue := range queues {
		effect := queue.Effect
		if filter == drawOpaqueOnly && effect.Blended {
			continue
		}
		if filter == drawBlendedOnly && !effect.Blended {
			continue
		}

		shader := resolveShader(effect, pass)
		if shader == nil {
			continue
		}
		if shader != currentShader {
			r.states.Shader.Set(shader)
			r.states.Shader.Flush()
			currentShader = shader
		}

		for i := range queue.Items {
			item := &queue.Items[i]
			switch item.Kind {
			case QueueItemTransform:
				pass.SetModel(item.Transform)
			case QueueItemRect:
				r.drawRect(effect, pass, item.Rect)
			case QueueItemGeometryChunk:
				r.drawChunk(effect, pass, item.Chunk)
			case QueueItemText:
				if !skipText {
					r.drawChunk(effect, pass, item.Chunk)
				}
			}
		}
	}
}

func (r *Renderer) drawChunk(effect *Effect, pass *PassContext, chunk *GeometryChunk) {
	if chunk == nil || chunk.IndexCount == 0 {
		return
	}
	r.states.VertexBuffer.Set(chunk.VertexBuffer)
	r.states.VertexBuffer.Flush()
	r.states.IndexBuffer.Set(chunk.IndexBuffer)
	r.states.IndexBuffer.Flush()
	if effect.BindParameters != nil {
		effect.BindParameters(r.gi, pass)
	}
	r.gi.DrawIndexed(chunk.FirstIndex, chunk.IndexCount)
}

// drawRect draws a screen-space rectangle with the shared quad geometry.
// The rectangle is exposed to the effect through the pass context.
func (r *Renderer) drawRect(effect *Effect, pass *PassContext, rect Rect) {
	if r.quad == nil || rect.IsEmpty() {
		return
	}
	pass.Rect = rect
	r.drawChunk(effect, pass, r.quad)
	pass.Rect = Rect{}
}

// acquireTemporary borrows a pool texture for the rest of the frame. A nil
// return means the texture could not be created; the caller aborts its
// pass.
func (r *Renderer) acquireTemporary(format TextureFormat, width, height int) Texture {
	texture, err := r.pool.Acquire(format, width, height)
	if err != nil {
		r.logger.Warn("Renderer::acquireTemporary texture creation failed",
			slog.Int("format", int(format)),
			slog.Int("width", width),
			slog.Int("height", height),
			slog.Any("error", err))
		return nil
	}
	r.frameTextures = append(r.frameTextures, texture)
	return texture
}

// releaseFrameTextures returns every texture borrowed during the frame.
// Runs unconditionally at end of frame, so failed passes cannot leak
// borrows.
func (r *Renderer) releaseFrameTextures() {
	for _, texture := range r.frameTextures {
		r.pool.Release(texture)
	}
	r.frameTextures = r.frameTextures[:0]
}

// RenderFrame draws one frame: the deferred lighting passes when requested
// and supported, then opaque, refractive, and blended geometry in order.
func (r *Renderer) RenderFrame(view *FrameView) {
	defer r.releaseFrameTextures()

	lists := sortEffectQueues(view.Queues)

	pass := NewPassContext(PassForward, view.Camera.View, view.Camera.Projection)

	if view.DeferredLighting {
		if accumulation, ok := r.renderDeferredLightingTexture(view, lists); ok {
			pass.LightAccumulation = accumulation
			pass.SubstituteDeferredSurface = true
		}
	}

	r.states.Viewport.Set(view.Viewport)
	r.states.Viewport.Flush()
	r.states.ClearColor.Set(Color{})
	r.states.ClearColor.Flush()
	r.gi.Clear(true, true)

	r.states.BlendMode.Set(BlendNone)
	r.states.BlendMode.Flush()
	r.drawEffectQueues(lists.normal, drawAll, pass, false)
	r.drawEffectQueues(lists.refractive, drawAll, pass, false)

	r.states.BlendMode.Set(BlendAlpha)
	r.states.BlendMode.Flush()
	r.states.DepthWrite.Set(false)
	r.states.DepthWrite.Flush()
	r.drawEffectQueues(lists.blended, drawBlendedOnly, pass, false)
	r.states.DepthWrite.Set(true)
	r.states.BlendMode.Set(BlendNone)
	r.states.FlushAll()
}
