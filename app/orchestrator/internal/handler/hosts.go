package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/model"
	"github.com/lk2023060901/xplay/pkg/web"
)

// RegisterHostRequest 登记主机
type RegisterHostRequest struct {
	ID      string `json:"id" binding:"required,ident"`
	Name    string `json:"name"`
	Region  string `json:"region"`
	Address string `json:"address" binding:"required,url"`
}

// ListHosts GET /v1/hosts
func (h *Handler) ListHosts(c *gin.Context) {
	web.Success(c, h.hosts.Hosts())
}

// RegisterHost POST /v1/hosts
func (h *Handler) RegisterHost(c *gin.Context) {
	var req RegisterHostRequest
	if !web.BindAndValidate(c, &req) {
		return
	}
	host, err := h.hosts.RegisterHost(model.Host{ID: req.ID, Name: req.Name, Region: req.Region, Address: req.Address})
	if err != nil {
		h.fail(c, err)
		return
	}
	web.Success(c, host)
}

// GetHost GET /v1/hosts/:id
func (h *Handler) GetHost(c *gin.Context) {
	host, err := h.hosts.Host(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	web.Success(c, host)
}

// DecommissionHost DELETE /v1/hosts/:id
func (h *Handler) DecommissionHost(c *gin.Context) {
	if err := h.hosts.Decommission(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	web.Success(c, nil)
}

// CheckHealth POST /v1/hosts/:id/health
func (h *Handler) CheckHealth(c *gin.Context) {
	reach, err := h.hosts.HealthCheck(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	web.Success(c, gin.H{"reachability": reach})
}

// SyncCatalog POST /v1/hosts/:id/sync
func (h *Handler) SyncCatalog(c *gin.Context) {
	host, err := h.hosts.Host(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.catalog.SyncCatalog(c.Request.Context(), host)
	if err != nil {
		h.fail(c, err)
		return
	}
	web.Success(c, res)
}

// ListApps GET /v1/hosts/:id/apps
func (h *Handler) ListApps(c *gin.Context) {
	if _, err := h.hosts.Host(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	web.Success(c, h.catalog.Entries(c.Param("id")))
}

// InitiatePairing POST /v1/hosts/:id/pairing
func (h *Handler) InitiatePairing(c *gin.Context) {
	ch, err := h.pairing.InitiatePairing(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	web.Success(c, ch)
}

// GetChallenge GET /v1/hosts/:id/pairing
func (h *Handler) GetChallenge(c *gin.Context) {
	ch, ok := h.pairing.Challenge(c.Param("id"))
	if !ok {
		web.Error(c, http.StatusNotFound, string(model.ReasonPairingExpired), "no outstanding pairing challenge")
		return
	}
	web.Success(c, ch)
}

// CompletePairingRequest 完成配对
type CompletePairingRequest struct {
	PIN            string `json:"pin" binding:"required,numeric"`
	ClientIdentity string `json:"client_identity"`
}

// CompletePairing POST /v1/hosts/:id/pairing/complete
func (h *Handler) CompletePairing(c *gin.Context) {
	var req CompletePairingRequest
	if !web.BindAndValidate(c, &req) {
		return
	}
	res, err := h.pairing.CompletePairing(c.Request.Context(), c.Param("id"), req.PIN, req.ClientIdentity)
	if err != nil {
		h.fail(c, err)
		return
	}
	web.Success(c, res)
}

// CancelPairing DELETE /v1/hosts/:id/pairing
func (h *Handler) CancelPairing(c *gin.Context) {
	web.Success(c, gin.H{"cancelled": h.pairing.Cancel(c.Param("id"))})
}
