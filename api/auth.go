package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/leadpilot/leadpilot/pkg/models"
	"github.com/leadpilot/leadpilot/pkg/repository"
)

type AuthHandler struct {
	agents        repository.AgentRepo
	jwtSecret     string
	tokenDuration time.Duration
}

// NewAuthHandler creates a new AuthHandler with required dependencies.
func NewAuthHandler(agents repository.AgentRepo, jwtSecret string, tokenDuration time.Duration) *AuthHandler {
	return &AuthHandler{agents: agents, jwtSecret: jwtSecret, tokenDuration: tokenDuration}
}

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signinRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.Name == "" || req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "missing fields")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "error hashing password")
		return
	}

	agent := models.Agent{
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: string(hash),
	}
	agentID, err := h.agents.CreateAgent(r.Context(), &agent)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "error creating agent")
		return
	}

	h.issueToken(w, agentID, req.Email)
}

func (h *AuthHandler) Signin(w http.ResponseWriter, r *http.Request) {
	var req signinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "missing fields")
		return
	}

	agent, err := h.agents.GetAgentByEmail(r.Context(), req.Email)
	if err != nil || agent == nil {
		respondError(w, http.StatusUnauthorized, "credentials not found")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(agent.PasswordHash), []byte(req.Password)) != nil {
		respondError(w, http.StatusUnauthorized, "credentials not found")
		return
	}

	h.issueToken(w, agent.ID, agent.Email)
}

// Signout exists for client symmetry; tokens are stateless and simply expire.
func (h *AuthHandler) Signout(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "signed out"})
}

func (h *AuthHandler) issueToken(w http.ResponseWriter, agentID int64, email string) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"agent_id": agentID,
		"email":    email,
		"exp":      time.Now().Add(h.tokenDuration).Unix(),
	})
	tokenStr, err := token.SignedString([]byte(h.jwtSecret))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "error signing token")
		return
	}

	respondJSON(w, http.StatusOK, authResponse{Token: tokenStr})
}
