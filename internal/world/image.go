package world

// SetImageLoading records that the given turn requested an image. The
// currently displayed image is snapshotted so it can stay visible while
// the replacement generates.
func (s *Store) SetImageLoading(turnID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.image.PreviousImageURL = s.image.ImageURL
	s.image.PendingTurnID = turnID
	s.image.SceneRevision = turnID
	s.image.Loading = true
}

// ApplyLateBindingImage applies an asynchronously generated image, but only
// if it belongs to the most recently requested turn. A stale turn id is a
// silent no-op returning false: a slow image for an old turn must never
// clobber a newer turn's scene.
func (s *Store) ApplyLateBindingImage(url string, turnID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turnID != s.image.PendingTurnID {
		return false
	}

	s.image.Status = ImageStatusScene
	s.image.ImageURL = url
	s.image.Loading = false
	s.image.PendingTurnID = 0
	return true
}

// CancelImageLoading abandons a pending image request and restores the
// previous image without marking any turn's image as resolved.
func (s *Store) CancelImageLoading() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.image.Loading = false
	s.image.PendingTurnID = 0
	s.image.ImageURL = s.image.PreviousImageURL
}

// Image returns the current image correlation state.
func (s *Store) Image() ImageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.image
}

// SetImage replaces the displayed image directly (e.g. a direct image_url
// on the turn output, no job involved).
func (s *Store) SetImage(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.image.Status = ImageStatusScene
	s.image.ImageURL = url
	s.image.Loading = false
	s.image.PendingTurnID = 0
}
