package sgbm

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.orion.dev/depth/logging"
	"go.orion.dev/depth/utils"
)

// LoadParams reads a tuning document. Every field must be present, unknown fields are rejected
// and the result must validate.
func LoadParams(path string) (Params, error) {
	//nolint:gosec
	raw, err := os.ReadFile(path)
	if err != nil {
		return Params{}, errors.Wrapf(err, "cannot read tuning file %q", path)
	}
	return decodeParams(path, raw)
}

func decodeParams(path string, raw []byte) (Params, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var attrs map[string]interface{}
	if err := dec.Decode(&attrs); err != nil {
		return Params{}, goutils.NewConfigValidationError(path, errors.Wrap(err, "tuning file is not a JSON object"))
	}

	var p Params
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      &p,
		Metadata:    &md,
		ErrorUnused: true,
	})
	if err != nil {
		return Params{}, err
	}
	if err := decoder.Decode(attrs); err != nil {
		return Params{}, goutils.NewConfigValidationError(path, err)
	}
	if len(md.Unset) > 0 {
		sort.Strings(md.Unset)
		return Params{}, goutils.NewConfigValidationFieldRequiredError(path, md.Unset[0])
	}
	if err := p.Validate(); err != nil {
		return Params{}, goutils.NewConfigValidationError(path, err)
	}
	return p, nil
}

// SaveParams writes p as a tuning document, creating the parent directory when needed.
func SaveParams(path string, p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, append(raw, '\n'), 0o600), "cannot write tuning file %q", path)
}

// Watch sends the parameters of path every time the file is written and still loads. Documents
// that fail to load are logged and skipped. The channel is closed once ctx is done.
func Watch(ctx context.Context, path string, logger logging.Logger) (<-chan Params, error) {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "cannot watch tuning file")
	}
	// editors often replace the file, so watch its directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		goutils.UncheckedError(watcher.Close())
		return nil, errors.Wrapf(err, "cannot watch %q", filepath.Dir(path))
	}

	out := make(chan Params)
	goutils.PanicCapturingGo(func() {
		defer close(out)
		defer goutils.UncheckedErrorFunc(watcher.Close)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnw("tuning file watcher error", "error", err)
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				p, err := LoadParams(path)
				if err != nil {
					logger.Warnw("ignoring tuning file", "path", path, "error", err)
					continue
				}
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	})
	return out, nil
}
