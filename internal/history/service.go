// Package history keeps a git repository per report so every autosave flush
// and submission is a recoverable snapshot of the section contents.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Content is the snapshot committed to the report repo, one field per
// section of the fixed vocabulary.
type Content struct {
	Context     string `json:"context"`
	Methodology string `json:"methodology"`
	Findings    string `json:"findings"`
	Obstacles   string `json:"obstacles"`
	NextSteps   string `json:"next_steps"`
}

// CommitInfo describes one snapshot in a report's history.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureReportRepo initializes the repo for a report if it does not exist
// yet, committing the initial content as the baseline.
func (s *Service) EnsureReportRepo(reportID string, initial Content, author string) error {
	lock := s.reportLock(reportID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(reportID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(initial, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal initial content: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, "sections.json"), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write initial content: %w", err)
	}
	if _, err := worktree.Add("sections.json"); err != nil {
		return fmt.Errorf("git add initial content: %w", err)
	}
	hash, err := worktree.Commit("Create report", &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return fmt.Errorf("commit initial content: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitSections writes a new snapshot of the report's sections. No commit
// is made when the content matches HEAD.
func (s *Service) CommitSections(reportID string, content Content, author, message string) (CommitInfo, error) {
	lock := s.reportLock(reportID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(reportID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("resolve main: %w", err)
	}
	headCommit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return CommitInfo{}, fmt.Errorf("load head commit: %w", err)
	}
	headContent, err := readContentFromCommit(headCommit)
	if err != nil {
		return CommitInfo{}, err
	}
	if headContent == content {
		return toCommitInfo(headCommit), nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal content: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, "sections.json"), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write sections.json: %w", err)
	}
	if _, err := worktree.Add("sections.json"); err != nil {
		return CommitInfo{}, fmt.Errorf("git add content: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit content: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// GetContentByHash loads a snapshot by its (possibly abbreviated) hash.
func (s *Service) GetContentByHash(reportID, hash string) (Content, error) {
	lock := s.reportLock(reportID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(reportID))
	if err != nil {
		return Content{}, fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Content{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Content{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readContentFromCommit(commitObj)
}

// History lists the report's snapshots, newest first.
func (s *Service) History(reportID string, limit int) ([]CommitInfo, error) {
	lock := s.reportLock(reportID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(reportID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// DiffFields lists the section keys whose content differs between two
// snapshots, with before and after text.
func DiffFields(from, to Content) []map[string]string {
	type pair struct {
		field  string
		before string
		after  string
	}
	pairs := []pair{
		{field: "context", before: from.Context, after: to.Context},
		{field: "methodology", before: from.Methodology, after: to.Methodology},
		{field: "findings", before: from.Findings, after: to.Findings},
		{field: "obstacles", before: from.Obstacles, after: to.Obstacles},
		{field: "next_steps", before: from.NextSteps, after: to.NextSteps},
	}
	result := make([]map[string]string, 0)
	for _, item := range pairs {
		if item.before == item.after {
			continue
		}
		result = append(result, map[string]string{
			"field":  item.field,
			"before": item.before,
			"after":  item.after,
		})
	}
	return result
}

func (s *Service) repoPath(reportID string) string {
	return filepath.Join(s.baseDir, reportID)
}

func (s *Service) reportLock(reportID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[reportID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[reportID] = lock
	return lock
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@local.labtrack.dev", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File("sections.json")
	if err != nil {
		return Content{}, fmt.Errorf("load sections.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}

	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
