package render

import "fmt"

type gpuCall struct {
	name  string
	value any
}

type fakeTexture struct {
	id     int
	format TextureFormat
	width  int
	height int
}

type fakeRenderTarget struct {
	id    int
	color Texture
	depth Texture
}

type fakeShader struct {
	name string
}

type fakeBuffer struct {
	name string
}

// fakeGraphics records every backend call, so tests can assert on the
// exact call traffic the state cacher and renderer produce.
type fakeGraphics struct {
	renderTargets    bool
	npotTextures     bool
	textureUnits     int
	vertexAttributes int

	calls []gpuCall

	nextID           int
	liveTextures     map[*fakeTexture]bool
	liveTargets      map[*fakeRenderTarget]bool
	createTextureErr error
	createTargetErr  error
}

func newFakeGraphics() *fakeGraphics {
	return &fakeGraphics{
		renderTargets:    true,
		npotTextures:     true,
		textureUnits:     8,
		vertexAttributes: 8,
		liveTextures:     make(map[*fakeTexture]bool),
		liveTargets:      make(map[*fakeRenderTarget]bool),
	}
}

func (g *fakeGraphics) record(name string, value any) {
	g.calls = append(g.calls, gpuCall{name: name, value: value})
}

// callCount returns how many recorded calls have the given name.
func (g *fakeGraphics) callCount(name string) int {
	count := 0
	for _, call := range g.calls {
		if call.name == name {
			count++
		}
	}
	return count
}

func (g *fakeGraphics) callsNamed(name string) []gpuCall {
	var out []gpuCall
	for _, call := range g.calls {
		if call.name == name {
			out = append(out, call)
		}
	}
	return out
}

func (g *fakeGraphics) resetCalls() {
	g.calls = nil
}

func (g *fakeGraphics) IsRenderTargetSupported() bool { return g.renderTargets }

func (g *fakeGraphics) IsNonPowerOfTwoTextureSupported() bool { return g.npotTextures }

func (g *fakeGraphics) TextureUnitCount() int { return g.textureUnits }

func (g *fakeGraphics) VertexAttributeCount() int { return g.vertexAttributes }

func (g *fakeGraphics) CreateTexture(format TextureFormat, width, height int) (Texture, error) {
	if g.createTextureErr != nil {
		return nil, g.createTextureErr
	}
	g.nextID++
	texture := &fakeTexture{id: g.nextID, format: format, width: width, height: height}
	g.liveTextures[texture] = true
	g.record("CreateTexture", texture)
	return texture, nil
}

func (g *fakeGraphics) DeleteTexture(texture Texture) {
	fake := texture.(*fakeTexture)
	if !g.liveTextures[fake] {
		panic(fmt.Sprintf("deleted texture %d twice", fake.id))
	}
	delete(g.liveTextures, fake)
	g.record("DeleteTexture", texture)
}

func (g *fakeGraphics) CreateRenderTarget(color Texture, depth Texture) (RenderTarget, error) {
	if g.createTargetErr != nil {
		return nil, g.createTargetErr
	}
	g.nextID++
	target := &fakeRenderTarget{id: g.nextID, color: color, depth: depth}
	g.liveTargets[target] = true
	g.record("CreateRenderTarget", target)
	return target, nil
}

func (g *fakeGraphics) DeleteRenderTarget(target RenderTarget) {
	fake := target.(*fakeRenderTarget)
	if !g.liveTargets[fake] {
		panic(fmt.Sprintf("deleted render target %d twice", fake.id))
	}
	delete(g.liveTargets, fake)
	g.record("DeleteRenderTarget", target)
}

func (g *fakeGraphics) SetBlendMode(mode BlendMode) { g.record("SetBlendMode", mode) }

func (g *fakeGraphics) SetDepthTest(enabled bool) { g.record("SetDepthTest", enabled) }

func (g *fakeGraphics) SetDepthWrite(enabled bool) { g.record("SetDepthWrite", enabled) }

func (g *fakeGraphics) SetCullFace(enabled bool) { g.record("SetCullFace", enabled) }

func (g *fakeGraphics) SetScissorTest(enabled bool) { g.record("SetScissorTest", enabled) }

func (g *fakeGraphics) SetScissorRect(rect Rect) { g.record("SetScissorRect", rect) }

func (g *fakeGraphics) SetViewport(rect Rect) { g.record("SetViewport", rect) }

func (g *fakeGraphics) SetClearColor(color Color) { g.record("SetClearColor", color) }

func (g *fakeGraphics) SetShader(shader Shader) { g.record("SetShader", shader) }

func (g *fakeGraphics) SetRenderTarget(target RenderTarget) { g.record("SetRenderTarget", target) }

func (g *fakeGraphics) SetVertexBuffer(buffer Buffer) { g.record("SetVertexBuffer", buffer) }

func (g *fakeGraphics) SetIndexBuffer(buffer Buffer) { g.record("SetIndexBuffer", buffer) }

func (g *fakeGraphics) SetTexture(unit int, texture Texture) {
	g.record(fmt.Sprintf("SetTexture[%d]", unit), texture)
}

func (g *fakeGraphics) SetVertexAttributeEnabled(index int, enabled bool) {
	g.record(fmt.Sprintf("SetVertexAttribute[%d]", index), enabled)
}

func (g *fakeGraphics) Clear(color, depth bool) {
	g.record("Clear", [2]bool{color, depth})
}

func (g *fakeGraphics) DrawIndexed(firstIndex, indexCount int) {
	g.record("DrawIndexed", [2]int{firstIndex, indexCount})
}
