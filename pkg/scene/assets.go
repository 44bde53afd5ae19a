package scene

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// AssetMeta describes how an asset was made and what it shows.
type AssetMeta struct {
	Name            string   `json:"name,omitempty"`
	VisType         string   `json:"vis_type,omitempty"`
	GenType         string   `json:"gen_type,omitempty"`
	Prompt          string   `json:"prompt,omitempty"`
	NegativePrompt  string   `json:"negative_prompt,omitempty"`
	CharacterName   string   `json:"character_name,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Reference       bool     `json:"reference,omitempty"`
	ReferenceAssets []string `json:"reference_assets,omitempty"`
	Format          string   `json:"format,omitempty"`
	Resolution      string   `json:"resolution,omitempty"`
	CoverBBox       []int    `json:"cover_bbox,omitempty"`
	Analysis        string   `json:"analysis,omitempty"`
}

// Asset is a content addressed file owned by a scene.
type Asset struct {
	ID        string     `json:"id"`
	FileType  string     `json:"file_type"`
	MediaType string     `json:"media_type"`
	Meta      *AssetMeta `json:"meta,omitempty"`
}

// AssetIndex is the on-disk asset table.
type AssetIndex struct {
	CoverImage string            `json:"cover_image,omitempty"`
	Assets     map[string]*Asset `json:"assets"`
}

func newAssetIndex() *AssetIndex {
	return &AssetIndex{Assets: make(map[string]*Asset)}
}

func (a *AssetIndex) clone() *AssetIndex {
	out := &AssetIndex{CoverImage: a.CoverImage, Assets: make(map[string]*Asset, len(a.Assets))}
	for id, asset := range a.Assets {
		cp := *asset
		if asset.Meta != nil {
			meta := *asset.Meta
			cp.Meta = &meta
		}
		out.Assets[id] = &cp
	}
	return out
}

// AssetID returns the content address of data.
func AssetID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// AssetsDir is where asset files live for this scene.
func (s *Scene) AssetsDir() string {
	if s.SaveDir == "" {
		return ""
	}
	return filepath.Join(s.SaveDir, "assets")
}

func (a *Asset) filename() string {
	return a.ID + "." + a.FileType
}

// AddAsset stores data and returns its asset. Adding the same bytes twice
// returns the existing asset.
func (s *Scene) AddAsset(data []byte, fileType, mediaType string, meta *AssetMeta) (*Asset, error) {
	id := AssetID(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.assets.Assets[id]; ok {
		cp := *existing
		return &cp, nil
	}

	asset := &Asset{ID: id, FileType: fileType, MediaType: mediaType, Meta: meta}
	if dir := s.AssetsDir(); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create assets directory: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, asset.filename()), data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write asset %s: %w", id, err)
		}
	}
	s.assets.Assets[id] = asset
	cp := *asset
	return &cp, nil
}

// Asset returns a copy of the asset with id.
func (s *Scene) Asset(id string) (*Asset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets.Assets[id]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// AssetData reads the bytes of asset id from the scene's save directory.
func (s *Scene) AssetData(id string) ([]byte, error) {
	a, ok := s.Asset(id)
	if !ok {
		return nil, fmt.Errorf("unknown asset %s", id)
	}
	dir := s.AssetsDir()
	if dir == "" {
		return nil, fmt.Errorf("scene has no save directory")
	}
	return os.ReadFile(filepath.Join(dir, a.filename()))
}

// RemoveAsset deletes asset id and its file. The cover image is cleared if it
// pointed at the asset.
func (s *Scene) RemoveAsset(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets.Assets[id]
	if !ok {
		return fmt.Errorf("unknown asset %s", id)
	}
	delete(s.assets.Assets, id)
	if s.assets.CoverImage == id {
		s.assets.CoverImage = ""
	}
	if dir := s.AssetsDir(); dir != "" {
		if err := os.Remove(filepath.Join(dir, a.filename())); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove asset file", "asset_id", id, "error", err)
		}
	}
	return nil
}

// SetCoverImage points the scene cover at an existing asset.
func (s *Scene) SetCoverImage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets.Assets[id]; !ok && id != "" {
		return fmt.Errorf("unknown asset %s", id)
	}
	s.assets.CoverImage = id
	return nil
}

// Assets returns a copy of the asset index.
func (s *Scene) Assets() *AssetIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assets.clone()
}
