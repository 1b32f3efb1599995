package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/core/pool"
	"github.com/vietddude/genrelay/internal/infra/storage"
	"github.com/vietddude/genrelay/internal/infra/upstream/provider"
)

type credentialView struct {
	domain.Credential
	Secret      string                 `json:"secret"`
	CoolingDown bool                   `json:"cooling_down"`
	Upstream    *provider.MonitorStats `json:"upstream,omitempty"`
}

func viewOf(c domain.Credential, now time.Time) credentialView {
	return credentialView{Credential: c, Secret: c.MaskedSecret(), CoolingDown: c.CoolingDown(now)}
}

func (s *Server) listCredentials(c *gin.Context) {
	now := time.Now()
	var stats map[string]provider.MonitorStats
	if s.monitors != nil {
		stats = s.monitors.Stats()
	}
	creds := s.pool.Snapshot()
	out := make([]credentialView, 0, len(creds))
	for _, cred := range creds {
		v := viewOf(cred, now)
		if st, ok := stats[cred.ID]; ok {
			v.Upstream = &st
		}
		out = append(out, v)
	}
	writeData(c, http.StatusOK, gin.H{
		"credentials": out,
		"active":      s.pool.ActiveCount(),
	})
}

func (s *Server) addCredential(c *gin.Context) {
	var body struct {
		Secret string `json:"secret"`
		Label  string `json:"label"`
	}
	if !bindValidated(c, s.schemas.Credential, &body) {
		return
	}

	cred, err := s.pool.Add(c.Request.Context(), body.Secret, body.Label)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			writeError(c, http.StatusConflict, "DUPLICATE_CREDENTIAL", "Credential already exists", false, nil)
			return
		}
		writeFailure(c, err, nil)
		return
	}
	writeData(c, http.StatusCreated, viewOf(cred, time.Now()))
}

func (s *Server) retireCredential(c *gin.Context) {
	id := c.Param("credential_id")
	if _, err := s.pool.Get(id); err != nil {
		if errors.Is(err, pool.ErrUnknownCredential) {
			writeError(c, http.StatusNotFound, "CREDENTIAL_NOT_FOUND", "Credential not found", false, nil)
			return
		}
		writeFailure(c, err, nil)
		return
	}
	s.pool.RetirePermanently(c.Request.Context(), id)
	cred, _ := s.pool.Get(id)
	writeData(c, http.StatusOK, viewOf(cred, time.Now()))
}

func (s *Server) getAudio(c *gin.Context) {
	if s.audio == nil {
		writeError(c, http.StatusNotFound, "AUDIO_DISABLED", "Speech generation is not enabled", false, nil)
		return
	}
	data, ok := s.audio.Get(c.Param("key"))
	if !ok {
		writeError(c, http.StatusNotFound, "AUDIO_NOT_FOUND", "Audio not found or expired", false, nil)
		return
	}
	c.Data(http.StatusOK, "audio/mpeg", data)
}
