// Package dirremote mirrors entities into a directory of Markdown files,
// one file per record under <kind>/<ref>.md. The directory is typically a
// folder synced by another tool, so edits made elsewhere are pulled back.
package dirremote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/starford/jobtrail/internal/checksum"
	"github.com/starford/jobtrail/internal/entity"
	"github.com/starford/jobtrail/internal/parser"
	"github.com/starford/jobtrail/internal/remote"
	"github.com/starford/jobtrail/internal/storage"
)

// recordFile is the frontmatter of a record file.
type recordFile struct {
	Ref       string         `yaml:"ref"`
	EntityID  string         `yaml:"entity_id,omitempty"`
	Kind      entity.Kind    `yaml:"kind"`
	UpdatedAt time.Time      `yaml:"updated_at"`
	Fields    map[string]any `yaml:"fields"`
}

// Remote is a remote.Adapter backed by a record directory.
type Remote struct {
	name    string
	root    string
	fs      storage.Provider
	surface entity.Surface
	kinds   []entity.Kind
	clock   clockwork.Clock
	logger  *slog.Logger

	mu     sync.Mutex
	recent map[string]string // record key -> checksum of our last write, "" after our delete
}

// Option configures a Remote.
type Option func(*Remote)

func WithSurface(s entity.Surface) Option {
	return func(r *Remote) { r.surface = s }
}

func WithKinds(kinds ...entity.Kind) Option {
	return func(r *Remote) { r.kinds = kinds }
}

func WithClock(c clockwork.Clock) Option {
	return func(r *Remote) { r.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Remote) { r.logger = l }
}

// New opens (creating if needed) the record directory at root.
func New(name, root string, opts ...Option) (*Remote, error) {
	fs, err := storage.Open(root)
	if err != nil {
		return nil, fmt.Errorf("dirremote: %w", err)
	}
	r := &Remote{
		name:    name,
		root:    fs.Root(),
		fs:      fs,
		surface: entity.SurfacePrimary,
		kinds:   entity.Kinds,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		recent:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

var _ remote.Adapter = (*Remote)(nil)

func (r *Remote) Name() string            { return r.name }
func (r *Remote) Surface() entity.Surface { return r.surface }
func (r *Remote) Kinds() []entity.Kind    { return r.kinds }

// Pull reads every record file of kind. Files that cannot be parsed are
// skipped with a warning so that one hand-edited file does not block sync.
func (r *Remote) Pull(_ context.Context, kind entity.Kind) ([]remote.Record, error) {
	files, err := r.fs.List(string(kind))
	if err != nil {
		return nil, fmt.Errorf("dirremote %s: %w: %w", r.name, remote.ErrUnreachable, err)
	}
	out := make([]remote.Record, 0, len(files))
	for _, f := range files {
		rec, err := r.readRecord(kind, f)
		if err != nil {
			r.logger.Warn("dirremote: skip record",
				slog.String("path", f.Key()),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Remote) readRecord(kind entity.Kind, f storage.File) (remote.Record, error) {
	var rf recordFile
	if _, err := parser.Decode(f.Data, &rf); err != nil {
		return remote.Record{}, err
	}
	if rf.Kind != "" && rf.Kind != kind {
		return remote.Record{}, fmt.Errorf("kind %q in %s directory", rf.Kind, kind)
	}
	if rf.Ref == "" {
		rf.Ref = f.Name
	}
	if rf.UpdatedAt.IsZero() {
		rf.UpdatedAt = f.ModTime
	}
	if rf.Fields == nil {
		rf.Fields = map[string]any{}
	}
	payload, err := json.Marshal(rf.Fields)
	if err != nil {
		return remote.Record{}, err
	}
	return remote.Record{
		Ref:       rf.Ref,
		EntityID:  rf.EntityID,
		Kind:      kind,
		Payload:   payload,
		UpdatedAt: rf.UpdatedAt.UTC(),
	}, nil
}

// Push writes the entity's record file, creating a ref on first push.
func (r *Remote) Push(_ context.Context, e entity.Entity) (string, error) {
	ref := entity.RefFor(e, r.surface)
	if ref == "" {
		ref = uuid.NewString()
	}
	payload, err := entity.Encode(e)
	if err != nil {
		return "", err
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", fmt.Errorf("dirremote: fields: %w", err)
	}
	data, err := parser.Encode(recordFile{
		Ref:       ref,
		EntityID:  e.Base().ID,
		Kind:      e.Kind(),
		UpdatedAt: r.clock.Now().UTC(),
		Fields:    fields,
	}, "# "+title(e)+"\n")
	if err != nil {
		return "", err
	}

	p := storage.Key(string(e.Kind()), ref)
	r.remember(p, checksum.Sum(data))
	if err := r.fs.Write(string(e.Kind()), ref, data); err != nil {
		r.forget(p)
		return "", fmt.Errorf("dirremote %s: %w: %w", r.name, remote.ErrUnreachable, err)
	}
	return ref, nil
}

// Delete removes the record file. A missing file is not an error.
func (r *Remote) Delete(_ context.Context, kind entity.Kind, ref string) error {
	p := storage.Key(string(kind), ref)
	r.remember(p, "")
	if err := r.fs.Delete(string(kind), ref); err != nil {
		r.forget(p)
		return fmt.Errorf("dirremote %s: %w: %w", r.name, remote.ErrUnreachable, err)
	}
	return nil
}

func (r *Remote) remember(p, sum string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recent[p] = sum
}

func (r *Remote) forget(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.recent, p)
}

// own reports whether a change to p is the echo of our own write or delete.
// sum is the current checksum of the file, "" if it is gone.
func (r *Remote) own(p, sum string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	want, ok := r.recent[p]
	return ok && want == sum
}

func title(e entity.Entity) string {
	switch v := e.(type) {
	case *entity.Pipeline:
		return v.Company + " - " + v.Role
	case *entity.Interview:
		return fmt.Sprintf("%s interview, round %d (%s)", v.Type, v.Round, v.ScheduledAt.Format(time.DateTime))
	case *entity.Question:
		return v.Prompt
	}
	return string(e.Kind())
}
