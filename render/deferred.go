package render

import (
	"cogentcore.org/core/math32"
	"golang.org/x/exp/slog"
)

const (
	// shadowMapSize is the resolution of per-light shadow maps.
	shadowMapSize = 1024

	// shadowBorderPadding widens the directional shadow frustum so
	// casters at the edge of the fitted volume do not clip their
	// penumbra.
	shadowBorderPadding = 1.1

	// shadowNearMargin is how far in front of the caster volume the
	// directional shadow camera sits, in world units.
	shadowNearMargin = 1.0
)

// IsDeferredLightingSupported reports whether the backend and shader set
// can run the deferred lighting passes: render targets, non-power-of-two
// textures, and all four deferred effects linked.
func (r *Renderer) IsDeferredLightingSupported() bool {
	if !r.gi.IsRenderTargetSupported() || !r.gi.IsNonPowerOfTwoTextureSupported() {
		return false
	}
	// Normals, depth, and shadow map each need a texture unit during the
	// accumulation pass.
	if r.gi.TextureUnitCount() < 3 {
		return false
	}
	effects := []*Effect{
		r.deferred.Setup,
		r.deferred.PointLight,
		r.deferred.DirectionalLight,
		r.deferred.Surface,
	}
	for _, effect := range effects {
		if effect == nil || effect.Shader == nil {
			return false
		}
	}
	return r.deferred.Surface.DeferredSurfaceShader != nil
}

// renderDeferredLightingTexture runs the deferred setup and light
// accumulation passes and returns the accumulation texture for the final
// composite. A false return means the pass was aborted and the frame falls
// back to plain forward rendering. All borrowed textures are released with
// the rest of the frame's temporaries, including on failure paths.
func (r *Renderer) renderDeferredLightingTexture(view *FrameView, lists queueLists) (Texture, bool) {
	if !r.IsDeferredLightingSupported() {
		if !r.deferredWarned {
			r.logger.Warn("Renderer::renderDeferredLightingTexture deferred lighting not supported")
			r.deferredWarned = true
		}
		return nil, false
	}

	width := view.Viewport.Width
	height := view.Viewport.Height
	if width <= 0 || height <= 0 {
		return nil, false
	}

	normals := r.acquireTemporary(TextureRGBA8, width, height)
	depth := r.acquireTemporary(TextureDepth, width, height)
	accumulation := r.acquireTemporary(TextureRGBA8, width, height)
	if normals == nil || depth == nil || accumulation == nil {
		r.logger.Warn("Renderer::renderDeferredLightingTexture aborted, temporary texture unavailable")
		return nil, false
	}

	setupTarget, err := r.gi.CreateRenderTarget(normals, depth)
	if err != nil {
		r.logger.Warn("Renderer::renderDeferredLightingTexture aborted, setup render target failed",
			slog.Any("error", err))
		return nil, false
	}
	defer r.states.DeleteRenderTarget(setupTarget)

	accumulationTarget, err := r.gi.CreateRenderTarget(accumulation, nil)
	if err != nil {
		r.logger.Warn("Renderer::renderDeferredLightingTexture aborted, accumulation render target failed",
			slog.Any("error", err))
		return nil, false
	}
	defer r.states.DeleteRenderTarget(accumulationTarget)

	passRect := Rect{Width: width, Height: height}

	// Setup pass: opaque geometry only, normals and depth out.
	r.states.RenderTarget.Push()
	r.states.RenderTarget.Set(setupTarget)
	r.states.RenderTarget.Flush()
	r.states.Viewport.Push()
	r.states.Viewport.Set(passRect)
	r.states.Viewport.Flush()
	r.states.ClearColor.Push()
	r.states.ClearColor.Set(Color{})
	r.states.ClearColor.Flush()
	r.gi.Clear(true, true)

	setupPass := NewPassContext(PassDeferredSetup, view.Camera.View, view.Camera.Projection)
	setupPass.OverrideShader = r.deferred.Setup.Shader
	r.drawEffectQueues(lists.normal, drawOpaqueOnly, setupPass, true)

	// Accumulation pass: clear to ambient, then add each light.
	r.states.RenderTarget.Set(accumulationTarget)
	r.states.RenderTarget.Flush()
	r.states.ClearColor.Set(view.Ambient)
	r.states.ClearColor.Flush()
	r.gi.Clear(true, false)

	r.states.BlendMode.Push()
	r.states.BlendMode.Set(BlendAdditive)
	r.states.BlendMode.Flush()
	r.states.DepthTest.Push()
	r.states.DepthTest.Set(false)
	r.states.DepthTest.Flush()

	normalsUnit := 0
	depthUnit := 1
	shadowUnit := 2
	r.states.Textures.At(normalsUnit).Push()
	r.states.Textures.At(normalsUnit).Set(normals)
	r.states.Textures.At(normalsUnit).Flush()
	r.states.Textures.At(depthUnit).Push()
	r.states.Textures.At(depthUnit).Set(depth)
	r.states.Textures.At(depthUnit).Flush()
	r.states.Textures.At(shadowUnit).Push()

	for i := range view.Lights {
		light := &view.Lights[i]
		r.accumulateLight(view, lists, light, passRect, shadowUnit, accumulationTarget)
	}

	r.states.Textures.At(shadowUnit).Pop()
	r.states.Textures.At(depthUnit).Pop()
	r.states.Textures.At(normalsUnit).Pop()
	r.states.DepthTest.Pop()
	r.states.BlendMode.Pop()
	r.states.ClearColor.Pop()
	r.states.Viewport.Pop()
	r.states.RenderTarget.Pop()
	r.states.FlushAll()

	return accumulation, true
}

// accumulateLight adds one light's contribution into the bound
// accumulation target.
func (r *Renderer) accumulateLight(view *FrameView, lists queueLists, light *Light, passRect Rect, shadowUnit int, accumulationTarget RenderTarget) {
	var effect *Effect
	switch light.Kind {
	case LightDirectional:
		effect = r.deferred.DirectionalLight
	default:
		effect = r.deferred.PointLight
	}

	scissor, hasScissor := lightScissorRect(light, view)
	if hasScissor && scissor.IsEmpty() {
		// The light's sphere projects off-screen entirely.
		return
	}

	pass := NewPassContext(PassLightAccumulation, view.Camera.View, view.Camera.Projection)
	pass.Light = light

	// Shadow map first: it renders into its own target, so it must not
	// interrupt the accumulation target state mid-draw.
	if shadowMap, shadowTransform, ok := r.renderShadowMap(view, lists, light); ok {
		pass.ShadowMap = shadowMap
		pass.ShadowTransform = shadowTransform
		// The shadow pass redirected the render target and viewport;
		// restore the accumulation setup.
		r.states.RenderTarget.Set(accumulationTarget)
		r.states.RenderTarget.Flush()
		r.states.Viewport.Set(passRect)
		r.states.Viewport.Flush()
		r.states.Textures.At(shadowUnit).Set(shadowMap)
		r.states.Textures.At(shadowUnit).Flush()
	}

	r.states.Shader.Set(effect.Shader)
	r.states.Shader.Flush()

	if hasScissor {
		r.states.ScissorRect.Push()
		r.states.ScissorRect.Set(scissor)
		r.states.ScissorRect.Flush()
		r.states.ScissorTest.Push()
		r.states.ScissorTest.Set(true)
		r.states.ScissorTest.Flush()
	}

	r.drawRect(effect, pass, passRect)

	if hasScissor {
		r.states.ScissorTest.Pop()
		r.states.ScissorTest.Flush()
		r.states.ScissorRect.Pop()
	}
}

// lightScissorRect projects the light's bounding sphere to screen space and
// returns the pixel rectangle it covers. Directional lights and spheres
// containing the camera are unbounded, so they return false and the draw
// covers the whole viewport.
func lightScissorRect(light *Light, view *FrameView) (Rect, bool) {
	if light.Kind == LightDirectional || light.Radius <= 0 {
		return Rect{}, false
	}

	viewCenter := light.Position.MulMatrix4AsVector4(&view.Camera.View, 1)
	if viewCenter.Length() <= light.Radius {
		// Camera inside the light volume.
		return Rect{}, false
	}
	if -viewCenter.Z+light.Radius <= 0 {
		// Entirely behind the camera.
		return Rect{}, true
	}

	sphereBox := math32.B3Empty()
	sphereBox.ExpandByPoint(viewCenter)
	sphereBox.ExpandByScalar(light.Radius)
	// Clamp the near side of the box in front of the camera before the
	// perspective divide.
	if sphereBox.Max.Z > -1e-3 {
		sphereBox.Max.Z = -1e-3
	}

	ndc := sphereBox.MVProjToNDC(&view.Camera.Projection)

	vp := view.Viewport
	minX := int((ndc.Min.X*0.5 + 0.5) * float32(vp.Width))
	maxX := int((ndc.Max.X*0.5 + 0.5) * float32(vp.Width))
	minY := int((ndc.Min.Y*0.5 + 0.5) * float32(vp.Height))
	maxY := int((ndc.Max.Y*0.5 + 0.5) * float32(vp.Height))

	minX = clampInt(minX, 0, vp.Width)
	maxX = clampInt(maxX+1, 0, vp.Width)
	minY = clampInt(minY, 0, vp.Height)
	maxY = clampInt(maxY+1, 0, vp.Height)

	return Rect{
		X:      vp.X + minX,
		Y:      vp.Y + minY,
		Width:  maxX - minX,
		Height: maxY - minY,
	}, true
}

func clampInt(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

// renderShadowMap renders the opaque shadow casters into a depth texture
// from the light's point of view. Returns the texture and the light's
// view-projection transform for shadow lookup, or ok=false when the light
// does not shadow this frame.
func (r *Renderer) renderShadowMap(view *FrameView, lists queueLists, light *Light) (Texture, math32.Matrix4, bool) {
	var none math32.Matrix4

	if !view.Shadows || !light.CastsShadows {
		return nil, none, false
	}
	if r.deferred.ShadowDepth == nil || r.deferred.ShadowDepth.Shader == nil {
		return nil, none, false
	}

	lightView, lightProjection, ok := r.shadowCamera(light, lists)
	if !ok {
		return nil, none, false
	}

	shadowMap := r.acquireTemporary(TextureDepth, shadowMapSize, shadowMapSize)
	if shadowMap == nil {
		return nil, none, false
	}

	target, err := r.gi.CreateRenderTarget(nil, shadowMap)
	if err != nil {
		r.logger.Warn("Renderer::renderShadowMap render target failed",
			slog.Any("error", err))
		return nil, none, false
	}
	defer r.states.DeleteRenderTarget(target)

	r.states.RenderTarget.Set(target)
	r.states.RenderTarget.Flush()
	r.states.Viewport.Set(Rect{Width: shadowMapSize, Height: shadowMapSize})
	r.states.Viewport.Flush()
	r.states.BlendMode.Push()
	r.states.BlendMode.Set(BlendNone)
	r.states.BlendMode.Flush()
	r.states.DepthTest.Push()
	r.states.DepthTest.Set(true)
	r.states.DepthTest.Flush()
	r.gi.Clear(false, true)

	pass := NewPassContext(PassShadow, lightView, lightProjection)
	pass.OverrideShader = r.deferred.ShadowDepth.Shader
	r.drawEffectQueues(lists.normal, drawOpaqueOnly, pass, true)

	r.states.DepthTest.Pop()
	r.states.DepthTest.Flush()
	r.states.BlendMode.Pop()
	r.states.BlendMode.Flush()

	var shadowTransform math32.Matrix4
	shadowTransform.MulMatrices(&lightProjection, &lightView)
	return shadowMap, shadowTransform, true
}

// shadowCamera builds the view and projection matrices for a light's
// shadow pass. Directional lights get an orthographic frustum fitted to
// the light-space bounds of the shadow casters; spot lights reuse their
// own cone as a perspective frustum. Point lights do not shadow.
func (r *Renderer) shadowCamera(light *Light, lists queueLists) (math32.Matrix4, math32.Matrix4, bool) {
	var lightView, lightProjection math32.Matrix4

	switch light.Kind {
	case LightSpot:
		if light.ConeAngle <= 0 || light.Radius <= 0 {
			return lightView, lightProjection, false
		}
		view := shadowViewMatrix(light.Position, light.Position.Add(light.Direction))
		lightView = *view
		lightProjection.SetPerspective(light.ConeAngle, 1, 0.1, light.Radius)
		return lightView, lightProjection, true

	case LightDirectional:
		direction := light.Direction.Normal()

		// Fit the caster volume in a rotation-only light space first,
		// then place the camera in front of it.
		rotationView := shadowViewMatrix(math32.Vector3{}, direction)
		casterBox := casterBounds(lists, rotationView)
		if casterBox.IsEmpty() {
			return lightView, lightProjection, false
		}

		center := casterBox.Center()
		eyeLightSpace := math32.Vec3(center.X, center.Y, casterBox.Max.Z+shadowNearMargin)
		rotation, err := rotationView.Inverse()
		if err != nil {
			return lightView, lightProjection, false
		}
		eye := eyeLightSpace.MulMatrix4AsVector4(rotation, 1)

		lightView = *shadowViewMatrix(eye, eye.Add(direction))
		size := casterBox.Size()
		lightProjection.SetOrthographic(
			size.X*shadowBorderPadding,
			size.Y*shadowBorderPadding,
			shadowNearMargin*0.5,
			shadowNearMargin+size.Z)
		return lightView, lightProjection, true
	}

	return lightView, lightProjection, false
}

// shadowViewMatrix builds a view matrix at eye looking toward target.
func shadowViewMatrix(eye, target math32.Vector3) *math32.Matrix4 {
	up := math32.Vec3(0, 1, 0)
	forward := target.Sub(eye).Normal()
	if math32.Abs(forward.Y) > 0.99 {
		up = math32.Vec3(1, 0, 0)
	}

	var lookq math32.Quat
	lookq.SetFromRotationMatrix(math32.NewLookAt(eye, target, up))
	var transform math32.Matrix4
	transform.SetTransform(eye, lookq, math32.Vec3(1, 1, 1))
	view, err := transform.Inverse()
	if err != nil {
		view = &math32.Matrix4{}
		view.SetIdentity()
	}
	return view
}

// casterBounds accumulates the bounds of every opaque shadow-casting chunk,
// transformed into the given view space. Text items never cast shadows.
func casterBounds(lists queueLists, viewMatrix *math32.Matrix4) math32.Box3 {
	bounds := math32.B3Empty()

	for _, queue := range lists.normal {
		var model math32.Matrix4
		model.SetIdentity()

		for i := range queue.Items {
			item := &queue.Items[i]
			switch item.Kind {
			case QueueItemTransform:
				model = item.Transform
			case QueueItemGeometryChunk:
				if item.Chunk == nil || item.Chunk.Bounds.IsEmpty() {
					continue
				}
				var modelView math32.Matrix4
				modelView.MulMatrices(viewMatrix, &model)
				bounds.ExpandByBox(item.Chunk.Bounds.MulMatrix4(&modelView))
			}
		}
	}

	return bounds
}
