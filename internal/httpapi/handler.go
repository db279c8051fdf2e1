// Package httpapi exposes the relay service over HTTP. Every /api route sits
// behind the EIP-191 auth middleware; the authenticated wallet is the actor
// for ledger operations, so ownership and relayer checks happen in the core,
// not here.
package httpapi

import (
	"encoding/hex"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/DINetworks/metatx-relay/internal/auth"
	"github.com/DINetworks/metatx-relay/internal/gateway"
	"github.com/DINetworks/metatx-relay/internal/vault"
)

// Handler wires the relay routes onto a Gin engine.
type Handler struct {
	gw  *gateway.Gateway
	vlt *vault.Vault
	log *zap.Logger
}

func NewHandler(gw *gateway.Gateway, vlt *vault.Vault, log *zap.Logger) *Handler {
	return &Handler{gw: gw, vlt: vlt, log: log}
}

// Register mounts all routes. The auth middleware should already be applied
// to the group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	// ── Gateway ────────────────────────────────────────────────────────────
	rg.POST("/batch", h.handleExecuteBatch)
	rg.POST("/required-value", h.handleRequiredValue)
	rg.GET("/nonce/:address", h.handleNonce)
	rg.GET("/records", h.handleRecords)

	// ── Credit vault ───────────────────────────────────────────────────────
	rg.GET("/credits/:address", h.handleCredits)
	rg.POST("/deposit", h.handleDeposit)
	rg.POST("/withdraw", h.handleWithdraw)
	rg.POST("/credits/transfer", h.handleTransferCredit)
	rg.POST("/credits/consume", h.handleConsumeCredit)

	// ── Admin (owner checks happen in gateway/vault) ───────────────────────
	rg.POST("/admin/relayer", h.handleSetRelayer)
	rg.POST("/admin/pause", h.handlePause)
	rg.POST("/admin/unpause", h.handleUnpause)
}

type batchItemDTO struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

type executeBatchDTO struct {
	Signer        string         `json:"signer"`
	Items         []batchItemDTO `json:"items"`
	Nonce         uint64         `json:"nonce"`
	Deadline      int64          `json:"deadline"`
	Signature     string         `json:"signature"`
	AttachedValue string         `json:"attached_value"`
}

func (h *Handler) handleExecuteBatch(c *gin.Context) {
	var dto executeBatchDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	items, err := parseItems(dto.Items)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sig, err := parseHexBytes(dto.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature encoding"})
		return
	}
	attached, err := parseAmount(dto.AttachedValue)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attached_value"})
		return
	}

	relayer := walletOf(c)
	record, err := h.gw.ExecuteBatch(c.Request.Context(), relayer, &gateway.BatchRequest{
		Signer:    common.HexToAddress(dto.Signer),
		Items:     items,
		Nonce:     dto.Nonce,
		Deadline:  dto.Deadline,
		Signature: sig,
	}, attached)
	if err != nil {
		h.log.Warn("batch rejected",
			zap.String("relayer", relayer.Hex()),
			zap.String("signer", dto.Signer),
			zap.Error(err),
		)
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *Handler) handleRequiredValue(c *gin.Context) {
	var dto struct {
		Items []batchItemDTO `json:"items"`
	}
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	items, err := parseItems(dto.Items)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"required_value": gateway.CalculateRequiredValue(items).String()})
}

func (h *Handler) handleNonce(c *gin.Context) {
	addr := common.HexToAddress(c.Param("address"))
	c.JSON(http.StatusOK, gin.H{"nonce": h.gw.Nonce(addr)})
}

func (h *Handler) handleRecords(c *gin.Context) {
	c.JSON(http.StatusOK, h.gw.Records())
}

func (h *Handler) handleCredits(c *gin.Context) {
	addr := common.HexToAddress(c.Param("address"))
	c.JSON(http.StatusOK, gin.H{"credits": h.vlt.Credits(addr).String()})
}

func (h *Handler) handleDeposit(c *gin.Context) {
	var dto struct {
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, err := parseAmount(dto.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	minted, err := h.vlt.Deposit(c.Request.Context(), walletOf(c), common.HexToAddress(dto.Asset), amount)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits_minted": minted.String()})
}

func (h *Handler) handleWithdraw(c *gin.Context) {
	var dto struct {
		Asset  string `json:"asset"`
		Amount string `json:"amount"`
	}
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, err := parseAmount(dto.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	burned, err := h.vlt.Withdraw(c.Request.Context(), walletOf(c), common.HexToAddress(dto.Asset), amount)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits_burned": burned.String()})
}

func (h *Handler) handleTransferCredit(c *gin.Context) {
	var dto struct {
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, err := parseAmount(dto.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	if err := h.vlt.TransferCredit(c.Request.Context(), walletOf(c), common.HexToAddress(dto.To), amount); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) handleConsumeCredit(c *gin.Context) {
	var dto struct {
		Account string `json:"account"`
		Amount  string `json:"amount"`
	}
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	amount, err := parseAmount(dto.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	if err := h.vlt.ConsumeCredit(c.Request.Context(), walletOf(c), common.HexToAddress(dto.Account), amount); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) handleSetRelayer(c *gin.Context) {
	var dto struct {
		Relayer    string `json:"relayer"`
		Authorized bool   `json:"authorized"`
	}
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.gw.SetRelayerAuthorization(c.Request.Context(), walletOf(c), common.HexToAddress(dto.Relayer), dto.Authorized); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) handlePause(c *gin.Context) {
	var dto struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	caller := walletOf(c)
	if err := h.gw.Pause(c.Request.Context(), caller, dto.Reason); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if err := h.vlt.Pause(c.Request.Context(), caller, dto.Reason); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) handleUnpause(c *gin.Context) {
	caller := walletOf(c)
	if err := h.gw.Unpause(c.Request.Context(), caller); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if err := h.vlt.Unpause(c.Request.Context(), caller); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func walletOf(c *gin.Context) common.Address {
	return common.HexToAddress(c.GetString(auth.WalletKey))
}

func parseItems(dtos []batchItemDTO) ([]gateway.BatchItem, error) {
	items := make([]gateway.BatchItem, len(dtos))
	for i, d := range dtos {
		value, err := parseAmount(d.Value)
		if err != nil {
			return nil, errors.New("invalid item value")
		}
		data, err := parseHexBytes(d.Data)
		if err != nil {
			return nil, errors.New("invalid item data")
		}
		items[i] = gateway.BatchItem{
			To:    common.HexToAddress(d.To),
			Value: value,
			Data:  data,
		}
	}
	return items, nil
}

// parseAmount parses a non-negative decimal string; empty means zero.
func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, errors.New("invalid amount")
	}
	return v, nil
}

func parseHexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

// statusFor maps core errors onto HTTP statuses. Authorization failures are
// 403, malformed or unaccepted input is 422, paused/busy is 503.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthorizedRelayer),
		errors.Is(err, gateway.ErrNotOwner),
		errors.Is(err, vault.ErrNotOwner),
		errors.Is(err, vault.ErrUnauthorizedConsumer):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrPaused),
		errors.Is(err, gateway.ErrReentrancy),
		errors.Is(err, vault.ErrPaused),
		errors.Is(err, vault.ErrReentrancy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}
