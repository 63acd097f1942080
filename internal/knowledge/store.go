package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-autopilot/internal/recovery"
	"github.com/polzovatel/browser-autopilot/internal/script"
)

const defaultBusyTimeoutMS = 10_000

// Store is safe for concurrent use. Reads share an RWMutex; writes are
// serialized so that version numbers and the index stay consistent.
type Store struct {
	db      *sql.DB
	index   bleve.Index
	log     zerolog.Logger
	weights Weights
	newID   func(prefix string) string

	wmu sync.Mutex

	mu           sync.RWMutex
	skills       map[string]*Skill      // every version, by id
	latest       map[string]string      // domain/name -> id of the latest version
	trajectories map[string]*Trajectory // by id
}

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l.With().Str("comp", "knowledge").Logger() }
}

func WithWeights(w Weights) Option { return func(s *Store) { s.weights = w } }

// Open opens (or creates) the store at path. ":memory:" keeps everything in
// process.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		log:          zerolog.Nop(),
		weights:      DefaultWeights(),
		newID:        func(prefix string) string { return prefix + uuid.Must(uuid.NewV7()).String() },
		skills:       map[string]*Skill{},
		latest:       map[string]string{},
		trajectories: map[string]*Trajectory{},
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := openDB(path, defaultBusyTimeoutMS)
	if err != nil {
		return nil, err
	}
	s.db = db

	index, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("knowledge: create index: %w", err)
	}
	s.index = index

	if err := s.load(context.Background()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	var errs []error
	if s.index != nil {
		errs = append(errs, s.index.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

func skillKey(domain, name string) string { return domain + "/" + strings.ToLower(name) }

// load reads every record into memory. Rows that do not decode are skipped.
func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM skills ORDER BY version`)
	if err != nil {
		return fmt.Errorf("knowledge: load skills: %w", err)
	}
	for rows.Next() {
		var id, record string
		if err := rows.Scan(&id, &record); err != nil {
			rows.Close()
			return fmt.Errorf("knowledge: scan skill: %w", err)
		}
		var sk Skill
		if err := json.Unmarshal([]byte(record), &sk); err != nil || sk.Name == "" {
			s.log.Warn().Str("id", id).Err(err).Msg("skipping malformed skill record")
			continue
		}
		sk.ID = id
		s.skills[id] = &sk
		key := skillKey(sk.Domain, sk.Name)
		if cur, ok := s.skills[s.latest[key]]; !ok || sk.Version > cur.Version {
			s.latest[key] = id
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("knowledge: load skills: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, record FROM trajectories`)
	if err != nil {
		return fmt.Errorf("knowledge: load trajectories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, record string
		if err := rows.Scan(&id, &record); err != nil {
			return fmt.Errorf("knowledge: scan trajectory: %w", err)
		}
		var tr Trajectory
		if err := json.Unmarshal([]byte(record), &tr); err != nil || tr.Task == "" {
			s.log.Warn().Str("id", id).Err(err).Msg("skipping malformed trajectory record")
			continue
		}
		tr.ID = id
		s.trajectories[id] = &tr
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("knowledge: load trajectories: %w", err)
	}

	batch := s.index.NewBatch()
	for _, id := range s.latest {
		if err := batch.Index(id, skillDoc(s.skills[id])); err != nil {
			return fmt.Errorf("knowledge: index skill: %w", err)
		}
	}
	for id, tr := range s.trajectories {
		if err := batch.Index(id, trajectoryDoc(tr)); err != nil {
			return fmt.Errorf("knowledge: index trajectory: %w", err)
		}
	}
	if err := s.index.Batch(batch); err != nil {
		return fmt.Errorf("knowledge: index batch: %w", err)
	}

	s.log.Info().Int("skills", len(s.latest)).Int("trajectories", len(s.trajectories)).Msg("knowledge loaded")
	return nil
}

// SaveTrajectory appends a trajectory and returns its id.
func (s *Store) SaveTrajectory(ctx context.Context, in TrajectoryInput) (string, error) {
	if strings.TrimSpace(in.Task) == "" {
		return "", errors.New("knowledge: trajectory task required")
	}
	tr := &Trajectory{
		ID:        s.newID("tr_"),
		Task:      in.Task,
		URL:       in.URL,
		Actions:   append([]ActionRecord(nil), in.Actions...),
		Success:   in.Success,
		CreatedAt: time.Now().UTC(),
		Metadata:  in.Metadata,
	}
	record, err := json.Marshal(tr)
	if err != nil {
		return "", fmt.Errorf("knowledge: marshal trajectory: %w", err)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO trajectories (id, task, url, record, created_at) VALUES (?, ?, ?, ?, ?)`,
		tr.ID, tr.Task, tr.URL, string(record), tr.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("knowledge: insert trajectory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.trajectories[tr.ID] = tr
	if err := s.index.Index(tr.ID, trajectoryDoc(tr)); err != nil {
		return "", fmt.Errorf("knowledge: index trajectory: %w", err)
	}
	s.log.Debug().Str("id", tr.ID).Int("actions", len(tr.Actions)).Msg("trajectory saved")
	return tr.ID, nil
}

// SaveSkill stores a new unverified skill. When a skill with the same name
// already exists in the domain, the new one becomes the next version; its
// parameter schema must match.
func (s *Store) SaveSkill(ctx context.Context, in SkillInput) (string, error) {
	in.Domain = NormalizeDomain(in.Domain)
	if err := validateSkill(in); err != nil {
		return "", err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	key := skillKey(in.Domain, in.Name)
	s.mu.RLock()
	prev := s.skills[s.latest[key]]
	s.mu.RUnlock()

	sk := &Skill{
		ID:                 s.newID("sk_"),
		Name:               in.Name,
		Description:        in.Description,
		Code:               in.Code,
		Domain:             in.Domain,
		Parameters:         append([]Parameter(nil), in.Parameters...),
		Version:            1,
		SourceTrajectoryID: in.SourceTrajectoryID,
		CreatedAt:          time.Now().UTC(),
	}
	if prev != nil {
		if !sameSchema(prev.Parameters, in.Parameters) {
			return "", fmt.Errorf("%w: %s@%s v%d", ErrSchemaChanged, in.Name, in.Domain, prev.Version)
		}
		sk.Version = prev.Version + 1
	}
	// Rows skipped at load still hold their version numbers.
	var stored int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM skills WHERE name = ? AND domain = ?`,
		sk.Name, sk.Domain).Scan(&stored); err != nil {
		return "", fmt.Errorf("knowledge: skill version: %w", err)
	}
	if stored >= sk.Version {
		sk.Version = stored + 1
	}

	record, err := json.Marshal(sk)
	if err != nil {
		return "", fmt.Errorf("knowledge: marshal skill: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO skills (id, name, domain, version, record, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sk.ID, sk.Name, sk.Domain, sk.Version, string(record), sk.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("knowledge: insert skill: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.skills[sk.ID] = sk
	s.latest[key] = sk.ID
	if prev != nil {
		if err := s.index.Delete(prev.ID); err != nil {
			return "", fmt.Errorf("knowledge: unindex skill: %w", err)
		}
	}
	if err := s.index.Index(sk.ID, skillDoc(sk)); err != nil {
		return "", fmt.Errorf("knowledge: index skill: %w", err)
	}
	s.log.Info().Str("id", sk.ID).Str("name", sk.Name).Str("domain", sk.Domain).Int("version", sk.Version).Msg("skill saved")
	return sk.ID, nil
}

func validateSkill(in SkillInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidSkill)
	}
	declared := map[string]bool{}
	dummy := map[string]string{}
	for _, p := range in.Parameters {
		if p.Name == "" || declared[p.Name] {
			return fmt.Errorf("%w: parameter names must be unique and non-empty", ErrInvalidSkill)
		}
		declared[p.Name] = true
		dummy[p.Name] = "x"
	}
	for _, name := range script.Placeholders(in.Code) {
		if !declared[name] {
			return fmt.Errorf("%w: code uses undeclared parameter %q", ErrInvalidSkill, name)
		}
	}
	rendered, err := script.Render(in.Code, dummy)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSkill, err)
	}
	if _, err := script.Parse(rendered); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSkill, err)
	}
	return nil
}

// MarkTested records one execution of a skill. The first successful run
// verifies it.
func (s *Store) MarkTested(ctx context.Context, skillID string, success bool) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	cur, ok := s.skills[skillID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("knowledge: skill %s: %w", skillID, ErrNotFound)
	}

	next := *cur
	next.TestCount++
	next.Verified = cur.Verified || success
	record, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("knowledge: marshal skill: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE skills SET record = ? WHERE id = ?`, string(record), skillID); err != nil {
		return fmt.Errorf("knowledge: update skill: %w", err)
	}

	s.mu.Lock()
	s.skills[skillID] = &next
	s.mu.Unlock()
	return nil
}

// Skill returns one skill version by id.
func (s *Store) Skill(_ context.Context, id string) (Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sk, ok := s.skills[id]
	if !ok {
		return Skill{}, fmt.Errorf("knowledge: skill %s: %w", id, ErrNotFound)
	}
	return cloneSkill(sk), nil
}

// Skills returns the latest version of every skill, ordered by domain and name.
func (s *Store) Skills(context.Context) []Skill {
	s.mu.RLock()
	out := make([]Skill, 0, len(s.latest))
	for _, id := range s.latest {
		out = append(out, cloneSkill(s.skills[id]))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Store) Trajectory(_ context.Context, id string) (Trajectory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.trajectories[id]
	if !ok {
		return Trajectory{}, fmt.Errorf("knowledge: trajectory %s: %w", id, ErrNotFound)
	}
	return cloneTrajectory(tr), nil
}

// SaveRecovery persists one locator repair result for a run.
func (s *Store) SaveRecovery(ctx context.Context, runID string, r recovery.Result) error {
	record, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("knowledge: marshal recovery: %w", err)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO recoveries (run_id, location, outcome, record, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, r.Location, string(r.Outcome), string(record), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("knowledge: insert recovery: %w", err)
	}
	return nil
}

// Recoveries returns the repair results stored for a run in insertion order.
func (s *Store) Recoveries(ctx context.Context, runID string) ([]recovery.Result, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM recoveries WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("knowledge: query recoveries: %w", err)
	}
	defer rows.Close()
	var out []recovery.Result
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("knowledge: scan recovery: %w", err)
		}
		var r recovery.Result
		if err := json.Unmarshal([]byte(record), &r); err != nil {
			s.log.Warn().Str("run", runID).Err(err).Msg("skipping malformed recovery record")
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func cloneSkill(sk *Skill) Skill {
	c := *sk
	c.Parameters = append([]Parameter(nil), sk.Parameters...)
	return c
}

func cloneTrajectory(tr *Trajectory) Trajectory {
	c := *tr
	c.Actions = append([]ActionRecord(nil), tr.Actions...)
	if tr.Metadata != nil {
		c.Metadata = make(map[string]string, len(tr.Metadata))
		for k, v := range tr.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
