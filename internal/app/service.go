package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"labtrack/api/internal/anchor"
	"labtrack/api/internal/auth"
	"labtrack/api/internal/authpw"
	"labtrack/api/internal/autosave"
	"labtrack/api/internal/config"
	"labtrack/api/internal/email"
	"labtrack/api/internal/history"
	"labtrack/api/internal/rbac"
	"labtrack/api/internal/review"
	"labtrack/api/internal/search"
	"labtrack/api/internal/store"
	"labtrack/api/internal/util"
)

// sectionKeys is the fixed section vocabulary, in render order. Every report
// carries exactly these sections, created empty at report creation.
var sectionKeys = []string{"context", "methodology", "findings", "obstacles", "next_steps"}

func validSectionKey(key string) bool {
	for _, known := range sectionKeys {
		if known == key {
			return true
		}
	}
	return false
}

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type AddAnnotationInput struct {
	SectionKey string `json:"sectionKey"`
	Type       string `json:"type"`
	Quote      string `json:"quote"`
	RangeStart int    `json:"rangeStart"`
	RangeEnd   int    `json:"rangeEnd"`
	Content    string `json:"content"`
	ParentID   string `json:"parentId"`
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetGroup(context.Context, string) (store.Group, error)
	InsertGroup(context.Context, store.Group) error
	UpsertMembership(context.Context, string, string, string) error
	ListGroupMembers(context.Context, string) ([]store.Member, error)
	InsertReport(context.Context, store.Report) error
	GetReport(context.Context, string) (store.Report, error)
	ListGroupReports(context.Context, string) ([]store.Report, error)
	MarkReportSubmitted(context.Context, string) (bool, error)
	MarkReportReviewed(context.Context, string) (bool, error)
	UpsertSection(context.Context, string, string, string) error
	ListSections(context.Context, string) ([]store.Section, error)
	InsertAnnotation(context.Context, store.Annotation) error
	GetAnnotation(context.Context, string) (store.Annotation, error)
	ListReportAnnotations(context.Context, string) ([]store.Annotation, error)
	DeleteAnnotations(context.Context, []string) error
	UpsertSeen(context.Context, string, string) error
	UpsertDecision(context.Context, string, string, string) error
	ListDecisions(context.Context, string) ([]store.Decision, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	SummaryCounts(context.Context) (int, int, int, error)
	Ping(ctx context.Context) error
}

// SessionStore holds refresh tokens. Redis when configured, the Postgres
// refresh_sessions table otherwise.
type SessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (string, error)
	RevokeRefreshSession(context.Context, string) error
}

type historyService interface {
	EnsureReportRepo(string, history.Content, string) error
	CommitSections(string, history.Content, string, string) (history.CommitInfo, error)
	History(string, int) ([]history.CommitInfo, error)
	GetContentByHash(string, string) (history.Content, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	history  historyService
	search   *search.Service
	email    *email.Service
	authpw   *authpw.Service
	autosave *autosave.Saver
}

func New(cfg config.Config, dataStore dataStore, sessions SessionStore, historySvc historyService, searchSvc *search.Service, emailSvc *email.Service, authpwSvc *authpw.Service) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		history:  historySvc,
		search:   searchSvc,
		email:    emailSvc,
		authpw:   authpwSvc,
	}
	s.autosave = autosave.New(cfg.AutosaveQuiet, s.persistSection)
	return s
}

// Close flushes nothing; staged edits not yet quiet are dropped on shutdown.
func (s *Service) Close() {
	s.autosave.Close()
}

// --- sessions -------------------------------------------------------------

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.authpw.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	user, err := s.authpw.SignIn(ctx, emailAddr, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- groups ---------------------------------------------------------------

func (s *Service) CreateGroup(ctx context.Context, name, callerID string) (map[string]any, error) {
	if name == "" {
		return nil, validationError("group name is required", nil)
	}
	group := store.Group{ID: util.NewID("grp"), Name: name}
	if err := s.store.InsertGroup(ctx, group); err != nil {
		return nil, err
	}
	if err := s.store.UpsertMembership(ctx, group.ID, callerID, rbac.RoleLead); err != nil {
		return nil, err
	}
	return map[string]any{"id": group.ID, "name": group.Name}, nil
}

func (s *Service) AddGroupMember(ctx context.Context, groupID, userID, role, callerID string) (map[string]any, error) {
	if role == "" {
		role = rbac.RoleMember
	}
	if !rbac.ValidRole(role) {
		return nil, validationError("role must be lead, member or viewer", nil)
	}
	caller, err := s.membership(ctx, groupID, callerID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(caller.Role, rbac.ActionManage) {
		return nil, forbiddenError("only a group lead may manage membership")
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.store.UpsertMembership(ctx, groupID, userID, role); err != nil {
		return nil, err
	}

	// Membership change can complete a pending unanimity check for any
	// submitted report in the group.
	reports, err := s.store.ListGroupReports(ctx, groupID)
	if err == nil {
		for _, report := range reports {
			if report.Status == string(review.StatusSubmitted) {
				s.maybeAutoReview(ctx, report)
			}
		}
	}

	return map[string]any{"groupId": groupID, "userId": userID, "role": role}, nil
}

func (s *Service) GroupMembers(ctx context.Context, groupID, callerID string) ([]map[string]any, error) {
	if _, err := s.membership(ctx, groupID, callerID); err != nil {
		return nil, err
	}
	members, err := s.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(members))
	for _, member := range members {
		payload = append(payload, map[string]any{
			"userId":   member.UserID,
			"name":     member.Name,
			"role":     member.Role,
			"joinedAt": member.JoinedAt,
		})
	}
	return payload, nil
}

// membership loads the caller's membership row, failing with FORBIDDEN when
// the caller does not belong to the group.
func (s *Service) membership(ctx context.Context, groupID, userID string) (store.Member, error) {
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		return store.Member{}, err
	}
	members, err := s.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return store.Member{}, err
	}
	for _, member := range members {
		if member.UserID == userID {
			return member, nil
		}
	}
	return store.Member{}, forbiddenError("not a member of this group")
}

// --- reports --------------------------------------------------------------

func (s *Service) CreateReport(ctx context.Context, groupID, authorID string, periodStart, periodEnd time.Time) (map[string]any, error) {
	if periodEnd.Before(periodStart) {
		return nil, validationError("periodEnd must not be before periodStart", nil)
	}
	author, err := s.membership(ctx, groupID, authorID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(author.Role, rbac.ActionWrite) {
		return nil, forbiddenError("viewers cannot create reports")
	}

	report := store.Report{
		ID:          util.NewID("rep"),
		GroupID:     groupID,
		AuthorID:    authorID,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Status:      string(review.StatusDraft),
	}
	if err := s.store.InsertReport(ctx, report); err != nil {
		return nil, err
	}
	for _, key := range sectionKeys {
		if err := s.store.UpsertSection(ctx, report.ID, key, ""); err != nil {
			return nil, fmt.Errorf("create section %s: %w", key, err)
		}
	}
	if err := s.history.EnsureReportRepo(report.ID, history.Content{}, author.Name); err != nil {
		log.Printf("app: init history repo for %s: %v", report.ID, err)
	}

	created, err := s.store.GetReport(ctx, report.ID)
	if err != nil {
		return nil, err
	}
	return reportPayload(created, author.Name), nil
}

func (s *Service) ListReports(ctx context.Context, groupID, callerID string) ([]map[string]any, error) {
	if _, err := s.membership(ctx, groupID, callerID); err != nil {
		return nil, err
	}
	reports, err := s.store.ListGroupReports(ctx, groupID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	names := memberNames(members)

	payload := make([]map[string]any, 0, len(reports))
	for _, report := range reports {
		payload = append(payload, reportPayload(report, names[report.AuthorID]))
	}
	return payload, nil
}

// UpdateSection stages a section edit. The write is debounced: it persists
// after the quiet interval, on an explicit flush, or on submit. Reads see it
// immediately through the pending overlay.
func (s *Service) UpdateSection(ctx context.Context, reportID, key, content, callerID string) (map[string]any, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if !validSectionKey(key) {
		return nil, validationError("unknown section key", map[string]any{"key": key})
	}
	if report.AuthorID != callerID {
		return nil, forbiddenError("only the author may edit sections")
	}
	if report.Status != string(review.StatusDraft) {
		return nil, validationError("sections are read-only after submission", nil)
	}

	s.autosave.Stage(reportID, key, content)
	return map[string]any{"reportId": reportID, "key": key, "pendingSave": true}, nil
}

// FlushSection persists a staged edit immediately instead of waiting out the
// quiet interval.
func (s *Service) FlushSection(ctx context.Context, reportID, key, callerID string) (map[string]any, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if !validSectionKey(key) {
		return nil, validationError("unknown section key", map[string]any{"key": key})
	}
	if report.AuthorID != callerID {
		return nil, forbiddenError("only the author may edit sections")
	}
	if err := s.autosave.Flush(ctx, reportID, key); err != nil {
		return nil, err
	}
	return map[string]any{"reportId": reportID, "key": key, "pendingSave": false}, nil
}

// persistSection is the autosave flush target: it writes the section row,
// snapshots the report content and refreshes the search index.
func (s *Service) persistSection(ctx context.Context, reportID, key, content string) error {
	if err := s.store.UpsertSection(ctx, reportID, key, content); err != nil {
		return err
	}

	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return fmt.Errorf("load report for snapshot: %w", err)
	}
	authorName := "unknown"
	if author, err := s.store.GetUserByID(ctx, report.AuthorID); err == nil {
		authorName = author.DisplayName
	}

	sections, err := s.store.ListSections(ctx, reportID)
	if err != nil {
		return fmt.Errorf("load sections for snapshot: %w", err)
	}
	if _, err := s.history.CommitSections(reportID, snapshotContent(sections), authorName, "Autosave "+key); err != nil {
		log.Printf("app: snapshot %s: %v", reportID, err)
	}

	if s.search != nil {
		s.search.IndexSection(search.SectionRecord{
			ID:         reportID + "-" + key,
			ReportID:   reportID,
			SectionKey: key,
			Content:    content,
			GroupID:    report.GroupID,
			Status:     report.Status,
		})
	}
	return nil
}

func (s *Service) SubmitReport(ctx context.Context, reportID, callerID string) (map[string]any, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if report.AuthorID != callerID {
		return nil, forbiddenError("only the author may submit")
	}
	if report.Status != string(review.StatusDraft) {
		return nil, validationError("report has already been submitted", nil)
	}

	if err := s.autosave.FlushReport(ctx, reportID); err != nil {
		return nil, fmt.Errorf("flush pending sections: %w", err)
	}

	submitted, err := s.store.MarkReportSubmitted(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if !submitted {
		return nil, validationError("report has already been submitted", nil)
	}

	// Materialize the author's ledger row; the author's decision stays none.
	if err := s.store.UpsertSeen(ctx, reportID, report.AuthorID); err != nil {
		return nil, err
	}

	fresh, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}

	s.notifySubmitted(ctx, fresh)

	author, err := s.store.GetUserByID(ctx, report.AuthorID)
	authorName := ""
	if err == nil {
		authorName = author.DisplayName
	}
	return reportPayload(fresh, authorName), nil
}

// --- ledger ---------------------------------------------------------------

func (s *Service) MarkSeen(ctx context.Context, reportID, userID string) (map[string]any, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if _, err := s.membership(ctx, report.GroupID, userID); err != nil {
		return nil, err
	}
	if err := s.store.UpsertSeen(ctx, reportID, userID); err != nil {
		return nil, err
	}
	s.maybeAutoReview(ctx, report)
	return s.reviewerPanel(ctx, reportID)
}

func (s *Service) RecordDecision(ctx context.Context, reportID, userID, decision string) (map[string]any, error) {
	if !review.ValidVote(decision) {
		return nil, validationError("decision must be approved or changes_requested", nil)
	}
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if report.AuthorID == userID {
		return nil, forbiddenError("the author does not vote on their own report")
	}
	if report.Status == string(review.StatusDraft) {
		return nil, validationError("report is not submitted for review", nil)
	}
	member, err := s.membership(ctx, report.GroupID, userID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(member.Role, rbac.ActionDecide) {
		return nil, forbiddenError("viewers cannot record decisions")
	}

	if err := s.store.UpsertDecision(ctx, reportID, userID, decision); err != nil {
		return nil, err
	}
	s.maybeAutoReview(ctx, report)
	return s.reviewerPanel(ctx, reportID)
}

// maybeAutoReview runs the unanimity check after every ledger write and
// membership change. The reviewer set is read live; the rows-affected guard
// on the status update makes a double fire impossible.
func (s *Service) maybeAutoReview(ctx context.Context, report store.Report) {
	if report.Status != string(review.StatusSubmitted) {
		return
	}
	members, err := s.store.ListGroupMembers(ctx, report.GroupID)
	if err != nil {
		log.Printf("app: auto-review members for %s: %v", report.ID, err)
		return
	}
	reviewers := review.ReviewerSet(members, report.AuthorID)
	if len(reviewers) == 0 {
		return
	}
	decisions, err := s.store.ListDecisions(ctx, report.ID)
	if err != nil {
		log.Printf("app: auto-review decisions for %s: %v", report.ID, err)
		return
	}
	if !review.AllApproved(reviewers, review.VotesByUser(decisions)) {
		return
	}
	fired, err := s.store.MarkReportReviewed(ctx, report.ID)
	if err != nil {
		log.Printf("app: auto-review transition for %s: %v", report.ID, err)
		return
	}
	if fired {
		s.notifyReviewed(ctx, report)
	}
}

// --- annotations ----------------------------------------------------------

func (s *Service) AddAnnotation(ctx context.Context, reportID, authorID string, input AddAnnotationInput) (map[string]any, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	member, err := s.membership(ctx, report.GroupID, authorID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(member.Role, rbac.ActionComment) {
		return nil, forbiddenError("viewers cannot annotate")
	}

	if !validSectionKey(input.SectionKey) {
		return nil, validationError("unknown section key", map[string]any{"key": input.SectionKey})
	}
	if input.Type != "highlight" && input.Type != "comment" {
		return nil, validationError("type must be highlight or comment", nil)
	}
	if input.RangeEnd <= input.RangeStart {
		return nil, validationError("rangeEnd must be greater than rangeStart", nil)
	}
	if input.Type == "comment" && input.Content == "" {
		return nil, validationError("comment content is required", nil)
	}

	annotation := store.Annotation{
		ID:         util.NewID("ann"),
		ReportID:   reportID,
		SectionKey: input.SectionKey,
		AuthorID:   authorID,
		Type:       input.Type,
		Quote:      input.Quote,
		RangeStart: input.RangeStart,
		RangeEnd:   input.RangeEnd,
		Content:    input.Content,
	}

	if input.ParentID != "" {
		if input.Type != "comment" {
			return nil, validationError("only comments can be replies", nil)
		}
		parent, err := s.store.GetAnnotation(ctx, input.ParentID)
		if err != nil {
			return nil, err
		}
		if parent.ReportID != reportID || parent.Type != "comment" {
			return nil, validationError("parent must be a comment on the same report", nil)
		}
		annotation.ParentID = parent.ID
		annotation.ThreadID = parent.ThreadID
		if annotation.ThreadID == "" {
			annotation.ThreadID = parent.ID
		}
	} else if input.Type == "comment" {
		annotation.ThreadID = annotation.ID
	}

	if err := s.store.InsertAnnotation(ctx, annotation); err != nil {
		return nil, err
	}

	if s.search != nil && annotation.Type == "comment" {
		s.search.IndexComment(search.CommentRecord{
			ID:         annotation.ID,
			Content:    annotation.Content,
			Quote:      annotation.Quote,
			ReportID:   reportID,
			SectionKey: annotation.SectionKey,
			GroupID:    report.GroupID,
		})
	}

	stored, err := s.store.GetAnnotation(ctx, annotation.ID)
	if err != nil {
		return nil, err
	}
	return annotationPayload(stored), nil
}

// DeleteAnnotation removes an annotation and, for comments, its whole reply
// subtree. The cascade set is computed over the full annotation list before
// any delete is issued.
func (s *Service) DeleteAnnotation(ctx context.Context, annotationID, callerID string) (map[string]any, error) {
	annotation, err := s.store.GetAnnotation(ctx, annotationID)
	if err != nil {
		return nil, err
	}
	report, err := s.store.GetReport(ctx, annotation.ReportID)
	if err != nil {
		return nil, err
	}
	if annotation.AuthorID != callerID {
		member, err := s.membership(ctx, report.GroupID, callerID)
		if err != nil {
			return nil, err
		}
		if !rbac.Can(member.Role, rbac.ActionManage) {
			return nil, forbiddenError("only the annotation author or a group lead may delete it")
		}
	}

	annotations, err := s.store.ListReportAnnotations(ctx, annotation.ReportID)
	if err != nil {
		return nil, err
	}
	ids := review.CascadeSet(annotationID, annotations)
	if err := s.store.DeleteAnnotations(ctx, ids); err != nil {
		return nil, err
	}
	if s.search != nil {
		for _, id := range ids {
			s.search.DeleteComment(id)
		}
	}
	return map[string]any{"deleted": ids}, nil
}

// --- views ----------------------------------------------------------------

// GetReportView is the single read composing everything a review screen
// needs. Opening a submitted report as a non-author lazily materializes the
// viewer's seen row, which can itself complete the unanimity check.
func (s *Service) GetReportView(ctx context.Context, reportID, callerID string) (map[string]any, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListGroupMembers(ctx, report.GroupID)
	if err != nil {
		return nil, err
	}
	names := memberNames(members)
	if _, ok := names[callerID]; !ok {
		return nil, forbiddenError("not a member of this group")
	}

	// Lazy seen materialization for non-author viewers of submitted reports.
	if callerID != report.AuthorID && report.Status != string(review.StatusDraft) {
		decisions, err := s.store.ListDecisions(ctx, reportID)
		if err != nil {
			return nil, err
		}
		if !hasSeen(decisions, callerID) {
			if err := s.store.UpsertSeen(ctx, reportID, callerID); err != nil {
				return nil, err
			}
			s.maybeAutoReview(ctx, report)
			report, err = s.store.GetReport(ctx, reportID)
			if err != nil {
				return nil, err
			}
		}
	}

	sections, err := s.store.ListSections(ctx, reportID)
	if err != nil {
		return nil, err
	}
	annotations, err := s.store.ListReportAnnotations(ctx, reportID)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string][]store.Annotation)
	for _, annotation := range annotations {
		byKey[annotation.SectionKey] = append(byKey[annotation.SectionKey], annotation)
	}

	contentByKey := make(map[string]string, len(sections))
	updatedByKey := make(map[string]time.Time, len(sections))
	for _, section := range sections {
		contentByKey[section.Key] = section.Content
		updatedByKey[section.Key] = section.UpdatedAt
	}

	// Threads order across sections: section order first, anchor offset
	// within a section, creation time when unanchored.
	anchorPos := make(map[string]int)
	lineByID := make(map[string]int)
	sectionPayloads := make([]map[string]any, 0, len(sectionKeys))
	for idx, key := range sectionKeys {
		content := contentByKey[key]
		pendingSave := false
		if staged, ok := s.autosave.Peek(reportID, key); ok {
			content = staged
			pendingSave = true
		}
		rendered := anchor.Render(content, byKey[key])
		for id, pos := range rendered.Position {
			anchorPos[id] = idx*1_000_000 + pos
			lineByID[id] = anchor.LineOf(content, pos)
		}
		sectionPayloads = append(sectionPayloads, map[string]any{
			"key":         key,
			"content":     content,
			"updatedAt":   updatedByKey[key],
			"pendingSave": pendingSave,
			"spans":       rendered.Spans,
			"dropped":     rendered.Dropped,
		})
	}

	threads := review.BuildThreads(annotations, anchorPos)
	threadPayloads := s.layoutThreads(threads, lineByID, names)

	decisions, err := s.store.ListDecisions(ctx, reportID)
	if err != nil {
		return nil, err
	}
	reviewerRows, pending := reviewerRows(members, decisions, report.AuthorID, names)

	return map[string]any{
		"report":    reportPayload(report, names[report.AuthorID]),
		"sections":  sectionPayloads,
		"threads":   threadPayloads,
		"reviewers": reviewerRows,
		"pending":   pending,
	}, nil
}

// layoutThreads assigns margin slots per section and flattens threads into
// JSON payloads. Sequence numbers follow rendered thread order.
func (s *Service) layoutThreads(threads []review.Thread, lineByID map[string]int, names map[string]string) []map[string]any {
	// Margin layout works per section: each section's margin is its own
	// vertical track.
	bySection := make(map[string][]int)
	for _, thread := range threads {
		bySection[thread.Root.SectionKey] = append(bySection[thread.Root.SectionKey], lineByID[thread.Root.ID])
	}
	slots := make(map[string][]int, len(bySection))
	for key, wanted := range bySection {
		slots[key] = review.LayoutMargins(wanted, 2)
	}

	cursor := make(map[string]int)
	payloads := make([]map[string]any, 0, len(threads))
	for i, thread := range threads {
		key := thread.Root.SectionKey
		margin := 0
		if positions := slots[key]; cursor[key] < len(positions) {
			margin = positions[cursor[key]]
			cursor[key]++
		}
		replies := make([]map[string]any, 0, len(thread.Replies))
		for _, reply := range thread.Replies {
			payload := annotationPayload(reply)
			payload["authorName"] = names[reply.AuthorID]
			replies = append(replies, payload)
		}
		root := annotationPayload(thread.Root)
		root["authorName"] = names[thread.Root.AuthorID]
		payloads = append(payloads, map[string]any{
			"seq":     i + 1,
			"root":    root,
			"replies": replies,
			"margin":  margin,
		})
	}
	return payloads
}

// reviewerPanel is the ledger-centric slice of the report view returned by
// seen/decision writes.
func (s *Service) reviewerPanel(ctx context.Context, reportID string) (map[string]any, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListGroupMembers(ctx, report.GroupID)
	if err != nil {
		return nil, err
	}
	decisions, err := s.store.ListDecisions(ctx, reportID)
	if err != nil {
		return nil, err
	}
	names := memberNames(members)
	rows, pending := reviewerRows(members, decisions, report.AuthorID, names)
	return map[string]any{
		"report":    reportPayload(report, names[report.AuthorID]),
		"reviewers": rows,
		"pending":   pending,
	}, nil
}

func (s *Service) ReportHistory(ctx context.Context, reportID, callerID string) (map[string]any, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if _, err := s.membership(ctx, report.GroupID, callerID); err != nil {
		return nil, err
	}
	commits, err := s.history.History(reportID, 50)
	if err != nil {
		return nil, err
	}
	return map[string]any{"reportId": reportID, "commits": commits}, nil
}

// ReportSnapshot loads one section snapshot by commit hash. With a non-empty
// against hash it also lists the fields that changed between the two.
func (s *Service) ReportSnapshot(ctx context.Context, reportID, hash, against, callerID string) (map[string]any, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if _, err := s.membership(ctx, report.GroupID, callerID); err != nil {
		return nil, err
	}
	content, err := s.history.GetContentByHash(reportID, hash)
	if err != nil {
		return nil, notFoundError("snapshot not found", map[string]any{"hash": hash})
	}
	payload := map[string]any{
		"reportId": reportID,
		"hash":     hash,
		"sections": content,
	}
	if against != "" {
		base, err := s.history.GetContentByHash(reportID, against)
		if err != nil {
			return nil, notFoundError("snapshot not found", map[string]any{"hash": against})
		}
		payload["against"] = against
		payload["diff"] = history.DiffFields(base, content)
	}
	return payload, nil
}

func (s *Service) Summary(ctx context.Context) (map[string]any, error) {
	drafts, inReview, reviewed, err := s.store.SummaryCounts(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"drafts":   drafts,
		"inReview": inReview,
		"reviewed": reviewed,
	}, nil
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- notifications --------------------------------------------------------

func (s *Service) notifySubmitted(ctx context.Context, report store.Report) {
	if s.email == nil || !s.email.IsConfigured() {
		return
	}
	members, err := s.store.ListGroupMembers(ctx, report.GroupID)
	if err != nil {
		return
	}
	authorName := "A colleague"
	if author, err := s.store.GetUserByID(ctx, report.AuthorID); err == nil {
		authorName = author.DisplayName
	}
	period := formatPeriod(report)
	url := reportURL(report.ID)
	for _, member := range members {
		if member.UserID == report.AuthorID {
			continue
		}
		reviewer, err := s.store.GetUserByID(ctx, member.UserID)
		if err != nil || reviewer.Email == "" {
			continue
		}
		go func(to, name string) {
			if err := s.email.SendReportSubmitted(to, name, authorName, period, url); err != nil {
				log.Printf("app: notify submitted %s: %v", to, err)
			}
		}(reviewer.Email, reviewer.DisplayName)
	}
}

func (s *Service) notifyReviewed(ctx context.Context, report store.Report) {
	if s.email == nil || !s.email.IsConfigured() {
		return
	}
	author, err := s.store.GetUserByID(ctx, report.AuthorID)
	if err != nil || author.Email == "" {
		return
	}
	go func() {
		if err := s.email.SendReportReviewed(author.Email, author.DisplayName, formatPeriod(report), reportURL(report.ID)); err != nil {
			log.Printf("app: notify reviewed %s: %v", author.Email, err)
		}
	}()
}

// --- payload helpers ------------------------------------------------------

func reportPayload(report store.Report, authorName string) map[string]any {
	payload := map[string]any{
		"id":          report.ID,
		"groupId":     report.GroupID,
		"authorId":    report.AuthorID,
		"authorName":  authorName,
		"periodStart": report.PeriodStart.Format("2006-01-02"),
		"periodEnd":   report.PeriodEnd.Format("2006-01-02"),
		"status":      report.Status,
		"createdAt":   report.CreatedAt,
	}
	if report.SubmittedAt != nil {
		payload["submittedAt"] = report.SubmittedAt
	}
	if report.ReviewedAt != nil {
		payload["reviewedAt"] = report.ReviewedAt
	}
	return payload
}

func annotationPayload(annotation store.Annotation) map[string]any {
	payload := map[string]any{
		"id":         annotation.ID,
		"reportId":   annotation.ReportID,
		"sectionKey": annotation.SectionKey,
		"authorId":   annotation.AuthorID,
		"type":       annotation.Type,
		"quote":      annotation.Quote,
		"rangeStart": annotation.RangeStart,
		"rangeEnd":   annotation.RangeEnd,
		"createdAt":  annotation.CreatedAt,
	}
	if annotation.Content != "" {
		payload["content"] = annotation.Content
	}
	if annotation.ParentID != "" {
		payload["parentId"] = annotation.ParentID
	}
	if annotation.ThreadID != "" {
		payload["threadId"] = annotation.ThreadID
	}
	return payload
}

// reviewerRows builds the per-reviewer panel: id, name, a coarse status, the
// seen timestamp and the recorded decision. Ledger rows materialize lazily,
// so a missing row reads as not seen, decision none.
func reviewerRows(members []store.Member, decisions []store.Decision, authorID string, names map[string]string) ([]map[string]any, []string) {
	byUser := make(map[string]store.Decision, len(decisions))
	for _, decision := range decisions {
		byUser[decision.UserID] = decision
	}

	reviewers := review.ReviewerSet(members, authorID)
	votes := review.VotesByUser(decisions)

	rows := make([]map[string]any, 0, len(reviewers))
	for _, userID := range reviewers {
		row := map[string]any{
			"id":       userID,
			"name":     names[userID],
			"status":   "pending",
			"decision": string(review.VoteNone),
		}
		if ledger, ok := byUser[userID]; ok {
			if ledger.SeenAt != nil {
				row["seenAt"] = ledger.SeenAt
				row["status"] = "seen"
			}
			if ledger.Decision != "" && ledger.Decision != string(review.VoteNone) {
				row["decision"] = ledger.Decision
				row["status"] = ledger.Decision
			}
		}
		rows = append(rows, row)
	}
	return rows, review.Pending(reviewers, votes)
}

func memberNames(members []store.Member) map[string]string {
	names := make(map[string]string, len(members))
	for _, member := range members {
		names[member.UserID] = member.Name
	}
	return names
}

func hasSeen(decisions []store.Decision, userID string) bool {
	for _, decision := range decisions {
		if decision.UserID == userID {
			return decision.SeenAt != nil
		}
	}
	return false
}

func snapshotContent(sections []store.Section) history.Content {
	var content history.Content
	for _, section := range sections {
		switch section.Key {
		case "context":
			content.Context = section.Content
		case "methodology":
			content.Methodology = section.Content
		case "findings":
			content.Findings = section.Content
		case "obstacles":
			content.Obstacles = section.Content
		case "next_steps":
			content.NextSteps = section.Content
		}
	}
	return content
}

func formatPeriod(report store.Report) string {
	return report.PeriodStart.Format("2006-01-02") + " to " + report.PeriodEnd.Format("2006-01-02")
}

func reportURL(reportID string) string {
	return "/reports/" + reportID
}
