package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/plugin"
	"github.com/kestrelhq/kestrel/internal/session"
)

// adoptExternalPRs scans each project for open PRs by allowed authors that no
// session tracks yet and synthesizes an adopted session for each. Adopted
// sessions carry no runtime; they exist so the lifecycle automations cover
// human-opened PRs too.
func (e *Engine) adoptExternalPRs(ctx context.Context, sessions []*session.Session) {
	if len(e.cfg.AllowedUsers) == 0 {
		return
	}
	allowed := make(map[string]bool, len(e.cfg.AllowedUsers))
	for _, u := range e.cfg.AllowedUsers {
		allowed[u] = true
	}

	tracked := make(map[string]bool)
	for _, s := range sessions {
		if s.PR != nil && s.PR.URL != "" {
			tracked[s.PR.URL] = true
		}
		if s.Branch != "" {
			tracked["branch:"+s.ProjectID+"/"+s.Branch] = true
		}
	}

	for projectID := range e.cfg.Projects {
		scm := e.scmFor(projectID)
		if scm == nil {
			continue
		}
		lister, ok := scm.(plugin.OpenPRLister)
		if !ok {
			continue
		}

		prs, err := lister.ListOpenPRs(ctx, e.project(projectID))
		if err != nil {
			e.logger.Warn("Open PR scan failed",
				zap.String("project_id", projectID), zap.Error(err))
			continue
		}

		for _, pr := range prs {
			if pr == nil || !allowed[pr.Author] {
				continue
			}
			if tracked[pr.URL] || (pr.Branch != "" && tracked["branch:"+projectID+"/"+pr.Branch]) {
				continue
			}
			e.adoptPR(ctx, projectID, pr)
			tracked[pr.URL] = true
		}
	}
}

func (e *Engine) adoptPR(ctx context.Context, projectID string, pr *plugin.PRInfo) {
	id, err := e.manager.ReserveID(ctx, projectID)
	if err != nil {
		e.logger.Error("Session id reservation failed",
			zap.String("project_id", projectID),
			zap.String("pr", pr.URL),
			zap.Error(err))
		return
	}

	if err := e.meta.SetAll(id, map[string]string{
		session.MetaBranch:  pr.Branch,
		session.MetaStatus:  string(session.StatusPROpen),
		session.MetaPR:      pr.URL,
		session.MetaAdopted: "true",
	}); err != nil {
		e.logger.Error("Adopted session metadata write failed",
			zap.String("session_id", id), zap.Error(err))
		return
	}

	e.setStatus(id, session.StatusPROpen)
	e.logger.Info("Adopted external PR",
		zap.String("session_id", id),
		zap.String("pr", pr.URL),
		zap.String("author", pr.Author))
}
