package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"go.orion.dev/depth/rimage"
)

var framePattern = regexp.MustCompile(`^(left|right)_(\d+)\.(png|jpe?g)$`)

// DirectorySource replays the frames of one side of a capture directory, named left_N.png and
// right_N.png, in increasing N.
type DirectorySource struct {
	mu    sync.Mutex
	paths []string
	next  int
	loop  bool
}

// NewDirectorySource lists the side ("left" or "right") frames in dir. With loop set the frames
// repeat forever.
func NewDirectorySource(dir, side string, loop bool) (*DirectorySource, error) {
	if side != "left" && side != "right" {
		return nil, errors.Errorf("unknown side %q", side)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(ErrDeviceOpenFailure, "cannot list %q: %v", dir, err)
	}
	type frame struct {
		index int
		path  string
	}
	var frames []frame
	for _, e := range entries {
		m := framePattern.FindStringSubmatch(e.Name())
		if e.IsDir() || m == nil || m[1] != side {
			continue
		}
		index, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		frames = append(frames, frame{index, filepath.Join(dir, e.Name())})
	}
	if len(frames) == 0 {
		return nil, errors.Wrapf(ErrDeviceOpenFailure, "no %s_N frames in %q", side, dir)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].index < frames[j].index })

	src := &DirectorySource{loop: loop}
	for _, f := range frames {
		src.paths = append(src.paths, f.path)
	}
	return src, nil
}

// Len is the number of frames in one pass.
func (s *DirectorySource) Len() int {
	return len(s.paths)
}

// Next decodes the next frame. A frame that cannot be decoded is dropped.
func (s *DirectorySource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.next >= len(s.paths) {
		if !s.loop {
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.next = 0
	}
	path := s.paths[s.next]
	s.next++
	s.mu.Unlock()
	return rimage.ReadImageFromFile(path)
}

// Close does nothing.
func (s *DirectorySource) Close(ctx context.Context) error {
	return nil
}

// ImageSource hands out a single frame, once or forever.
type ImageSource struct {
	mu     sync.Mutex
	img    image.Image
	repeat bool
	done   bool
}

// NewImageSource serves img.
func NewImageSource(img image.Image, repeat bool) *ImageSource {
	return &ImageSource{img: img, repeat: repeat}
}

// OpenImagePair reads a left and right image file.
func OpenImagePair(leftPath, rightPath string, repeat bool) (*ImageSource, *ImageSource, error) {
	left, err := rimage.ReadImageFromFile(leftPath)
	if err != nil {
		return nil, nil, errors.Wrap(ErrDeviceOpenFailure, err.Error())
	}
	right, err := rimage.ReadImageFromFile(rightPath)
	if err != nil {
		return nil, nil, errors.Wrap(ErrDeviceOpenFailure, err.Error())
	}
	if !rimage.SameImgSize(left, right) {
		return nil, nil, errors.Errorf("%q is %v but %q is %v",
			leftPath, left.Bounds().Size(), rightPath, right.Bounds().Size())
	}
	return NewImageSource(left, repeat), NewImageSource(right, repeat), nil
}

// Next returns the image, then io.EOF unless the source repeats.
func (s *ImageSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, io.EOF
	}
	s.done = !s.repeat
	return s.img, nil
}

// Close does nothing.
func (s *ImageSource) Close(ctx context.Context) error {
	return nil
}

// FrameName is the capture directory file name of frame n of a side.
func FrameName(side string, n int) string {
	return fmt.Sprintf("%s_%d.png", side, n)
}
