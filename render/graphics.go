package render

// Opaque GPU object handles. The graphics backend supplies the concrete
// values; this package only compares them by identity and hands them back
// to the backend.
type (
	Texture      = any
	Buffer       = any
	RenderTarget = any
	Shader       = any
)

// Color is a normalized RGBA color.
type Color struct {
	R, G, B, A float32
}

// Rect is an integer pixel rectangle, origin at the top-left.
type Rect struct {
	X, Y, Width, Height int
}

func (r Rect) IsEmpty() bool {
	return r.Width <= 0 || r.Height <= 0
}

type BlendMode uint8

const (
	BlendNone BlendMode = iota
	BlendAlpha
	BlendAdditive
)

type TextureFormat uint8

const (
	TextureRGBA8 TextureFormat = iota
	TextureDepth
)

// GraphicsInterface is the boundary to the platform graphics backend. The
// state setters are driven exclusively through the StateCacher, which
// filters out redundant calls; the renderer never calls them directly.
//
// GraphicsInterface implementations are not required to be safe for
// concurrent use: everything in this package runs on the render thread.
type GraphicsInterface interface {
	// Capability queries, consulted once at StateCacher and Renderer setup.
	IsRenderTargetSupported() bool
	IsNonPowerOfTwoTextureSupported() bool
	TextureUnitCount() int
	VertexAttributeCount() int

	// Object lifecycle.
	CreateTexture(format TextureFormat, width, height int) (Texture, error)
	DeleteTexture(texture Texture)
	CreateRenderTarget(color Texture, depth Texture) (RenderTarget, error)
	DeleteRenderTarget(target RenderTarget)

	// State setters.
	SetBlendMode(mode BlendMode)
	SetDepthTest(enabled bool)
	SetDepthWrite(enabled bool)
	SetCullFace(enabled bool)
	SetScissorTest(enabled bool)
	SetScissorRect(rect Rect)
	SetViewport(rect Rect)
	SetClearColor(color Color)
	SetShader(shader Shader)
	SetRenderTarget(target RenderTarget)
	SetVertexBuffer(buffer Buffer)
	SetIndexBuffer(buffer Buffer)
	SetTexture(unit int, texture Texture)
	SetVertexAttributeEnabled(index int, enabled bool)

	// Draws.
	Clear(color, depth bool)
	DrawIndexed(firstIndex, indexCount int)
}
