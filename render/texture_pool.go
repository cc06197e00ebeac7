package render

import "golang.org/x/exp/slog"

type texturePoolKey struct {
	format TextureFormat
	width  int
	height int
}

// TexturePool recycles the temporary textures the renderer needs for a
// frame: deferred buffers, shadow maps, refraction captures. Textures are
// bucketed by exact format and size, so a steady scene reaches a fixed
// working set after the first frame and allocates nothing afterward.
type TexturePool struct {
	gi     GraphicsInterface
	logger *slog.Logger

	free     map[texturePoolKey][]Texture
	borrowed map[Texture]texturePoolKey
}

func NewTexturePool(gi GraphicsInterface, logger *slog.Logger) *TexturePool {
	return &TexturePool{
		gi:       gi,
		logger:   logger,
		free:     make(map[texturePoolKey][]Texture),
		borrowed: make(map[Texture]texturePoolKey),
	}
}

// Acquire returns a pooled texture of the exact format and size, creating
// one when no free texture matches. The caller must Release it before the
// end of the frame.
func (p *TexturePool) Acquire(format TextureFormat, width, height int) (Texture, error) {
	key := texturePoolKey{format: format, width: width, height: height}

	if bucket := p.free[key]; len(bucket) > 0 {
		texture := bucket[len(bucket)-1]
		p.free[key] = bucket[:len(bucket)-1]
		p.borrowed[texture] = key
		return texture, nil
	}

	texture, err := p.gi.CreateTexture(format, width, height)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("TexturePool::Acquire created texture",
		slog.Int("format", int(format)),
		slog.Int("width", width),
		slog.Int("height", height))

	p.borrowed[texture] = key
	return texture, nil
}

// Release returns a borrowed texture to its bucket. Releasing a texture the
// pool did not lend out is a programmer error.
func (p *TexturePool) Release(texture Texture) {
	if texture == nil {
		return
	}
	key, ok := p.borrowed[texture]
	if !ok {
		panic("released a texture the pool did not lend out")
	}
	delete(p.borrowed, texture)
	p.free[key] = append(p.free[key], texture)
}

// BorrowedCount returns the number of textures currently lent out.
func (p *TexturePool) BorrowedCount() int {
	return len(p.borrowed)
}

// Destroy deletes every pooled texture. Textures still borrowed are logged
// and deleted as well. deleteTexture runs for each texture, so the caller
// can invalidate cached state before the handle dies.
func (p *TexturePool) Destroy(deleteTexture func(texture Texture)) {
	for texture := range p.borrowed {
		p.logger.Error("[UNRELEASED TEXTURE] texture still borrowed at pool teardown")
		deleteTexture(texture)
	}
	for _, bucket := range p.free {
		for _, texture := range bucket {
			deleteTexture(texture)
		}
	}
	p.free = make(map[texturePoolKey][]Texture)
	p.borrowed = make(map[Texture]texturePoolKey)
}
