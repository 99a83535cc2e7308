package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"carpool-auth/internal/config"
	"carpool-auth/internal/service"
	"carpool-auth/internal/util"
)

// Response is the envelope every endpoint answers with.
type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	// Code is a machine-readable discriminator, currently used by the
	// avatar upload errors.
	Code string `json:"code,omitempty"`
	// Error carries internal detail, included outside production only.
	Error string `json:"error,omitempty"`
}

// AuthHandler exposes the registration, auth and profile operations over HTTP.
type AuthHandler struct {
	registration *service.RegistrationService
	auth         *service.AuthService
	profile      *service.ProfileService

	production    bool
	maxAvatarSize int64
}

func NewAuthHandler(
	registration *service.RegistrationService,
	auth *service.AuthService,
	profile *service.ProfileService,
	cfg *config.Config,
) *AuthHandler {
	return &AuthHandler{
		registration:  registration,
		auth:          auth,
		profile:       profile,
		production:    cfg.IsProduction(),
		maxAvatarSize: cfg.Upload.MaxAvatarSize,
	}
}

// RegisterRoutes mounts all auth routes; authMw guards the protected group.
func (h *AuthHandler) RegisterRoutes(router chi.Router, authMw *AuthMiddleware) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/verify-otp", h.VerifyOTP)
		r.Post("/resend-otp", h.ResendOTP)
		r.Post("/set-password", h.SetPassword)
		r.Post("/login", h.Login)
		r.Post("/forgot-password", h.ForgotPassword)
		r.Post("/reset-password", h.ResetPassword)

		r.Group(func(r chi.Router) {
			r.Use(authMw.Handler)
			r.Get("/me", h.GetMe)
			r.Put("/profile", h.UpdateProfile)
			r.Put("/change-password", h.ChangePassword)
			r.Post("/avatar", h.UploadAvatar)
			r.Delete("/avatar", h.DeleteAvatar)
			r.Post("/logout", h.Logout)
		})
	})
}

type registerRequest struct {
	FullName string `json:"fullName"`
	Phone    string `json:"phone"`
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.registration.Initiate(r.Context(), req.FullName, req.Phone)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, Response{
		Status:  "success",
		Message: "Registration initiated. Please verify the code sent to your phone.",
		Data:    result,
	})
}

type verifyOTPRequest struct {
	UserID string `json:"userId"`
	OTP    string `json:"otp"`
}

func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.registration.VerifyOTP(r.Context(), req.UserID, req.OTP)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, Response{
		Status:  "success",
		Message: "Phone number verified successfully.",
		Data:    result,
	})
}

type resendOTPRequest struct {
	UserID string `json:"userId"`
}

func (h *AuthHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req resendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.registration.ResendOTP(r.Context(), req.UserID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, Response{
		Status:  "success",
		Message: "A new verification code has been sent.",
		Data:    result,
	})
}

type setPasswordRequest struct {
	UserID          string `json:"userId"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

func (h *AuthHandler) SetPassword(w http.ResponseWriter, r *http.Request) {
	var req setPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.registration.SetPassword(r.Context(), req.UserID, req.Password, req.ConfirmPassword)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, Response{
		Status:  "success",
		Message: "Registration completed successfully.",
		Data:    result,
	})
}

type loginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.auth.Login(r.Context(), req.Phone, req.Password)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, Response{
		Status:  "success",
		Message: "Logged in successfully.",
		Data:    result,
	})
}

type forgotPasswordRequest struct {
	Phone string `json:"phone"`
}

func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.auth.ForgotPassword(r.Context(), req.Phone)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	// The message never discloses whether the phone is registered.
	resp := Response{
		Status:  "success",
		Message: "If the phone number is registered, a reset code has been sent.",
	}
	if result.DevelopmentOTP != "" {
		resp.Data = result
	}
	h.respondJSON(w, http.StatusOK, resp)
}

type resetPasswordRequest struct {
	Phone           string `json:"phone"`
	OTP             string `json:"otp"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.auth.ResetPassword(r.Context(), req.Phone, req.OTP, req.Password, req.ConfirmPassword); err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, Response{
		Status:  "success",
		Message: "Password has been reset. You can now log in with your new password.",
	})
}

func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())

	h.respondJSON(w, http.StatusOK, Response{
		Status:  "success",
		Message: "Profile retrieved successfully.",
		Data:    map[string]interface{}{"user": user.Public()},
	})
}

func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var update service.ProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	user, err := h.profile.UpdateProfile(r.Context(), UserFrom(r.Context()).ID, &update)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, Response{
		Status:  "success",
		Message: "Profile updated successfully.",
		Data:    map[string]interface{}{"user": user},
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.auth.ChangePassword(r.Context(), UserFrom(r.Context()).ID,
		req.CurrentPassword, req.NewPassword, req.ConfirmPassword)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, Response{
		Status:  "success",
		Message: "Password changed successfully.",
	})
}

func (h *AuthHandler) UploadAvatar(w http.ResponseWriter, r *http.Request) {
	// Multipart overhead on top of the image itself.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxAvatarSize+1024*1024)

	file, header, err := r.FormFile("avatar")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.respondServiceError(w, service.ErrFileTooLarge)
			return
		}
		h.respondServiceError(w, service.ErrNoFileSelected)
		return
	}
	defer file.Close()

	user, err := h.profile.SaveAvatar(r.Context(), UserFrom(r.Context()).ID, file, header.Size)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, Response{
		Status:  "success",
		Message: "Avatar uploaded successfully.",
		Data: map[string]interface{}{
			"user":   user,
			"avatar": user.Avatar,
		},
	})
}

func (h *AuthHandler) DeleteAvatar(w http.ResponseWriter, r *http.Request) {
	user, err := h.profile.DeleteAvatar(r.Context(), UserFrom(r.Context()).ID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, Response{
		Status:  "success",
		Message: "Avatar removed successfully.",
		Data:    map[string]interface{}{"user": user},
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), GrantFrom(r.Context())); err != nil {
		h.respondServiceError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, Response{
		Status:  "success",
		Message: "Logged out successfully.",
	})
}

// respondServiceError maps a domain error to its HTTP shape.
func (h *AuthHandler) respondServiceError(w http.ResponseWriter, err error) {
	var retryErr *service.RetryAfterError
	if errors.As(err, &retryErr) {
		w.Header().Set("Retry-After", strconv.Itoa(retryErr.RetryAfterSeconds()))
		h.respondJSON(w, http.StatusTooManyRequests, Response{
			Status:  "error",
			Message: "Too many requests. Please try again later.",
			Data:    map[string]interface{}{"retryAfterSeconds": retryErr.RetryAfterSeconds()},
		})
		return
	}

	var pendingErr *service.PendingRegistrationError
	if errors.As(err, &pendingErr) {
		h.respondJSON(w, http.StatusUnauthorized, Response{
			Status:  "error",
			Message: "Please complete your registration before logging in.",
			Data: map[string]interface{}{
				"userId":           pendingErr.UserID,
				"registrationStep": pendingErr.RegistrationStep,
				"nextStep":         pendingErr.NextStep,
			},
		})
		return
	}

	status, code := statusFromError(err)
	resp := Response{
		Status:  "error",
		Message: clientMessage(err, status),
		Code:    code,
	}
	if status == http.StatusInternalServerError {
		util.Error("Request failed", util.ErrorField(err))
		if !h.production {
			resp.Error = err.Error()
		}
	}
	h.respondJSON(w, status, resp)
}

func statusFromError(err error) (status int, code string) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, ""
	case errors.Is(err, service.ErrTooManyRequests):
		return http.StatusTooManyRequests, ""
	case errors.Is(err, service.ErrNotificationFailed):
		return http.StatusInternalServerError, ""
	case errors.Is(err, service.ErrNoFileSelected):
		return http.StatusBadRequest, "NO_FILE_SELECTED"
	case errors.Is(err, service.ErrFileTooLarge):
		return http.StatusBadRequest, "FILE_TOO_LARGE"
	case errors.Is(err, service.ErrInvalidFileType):
		return http.StatusBadRequest, "INVALID_FILE_TYPE"
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, service.ErrDuplicatePhone),
		errors.Is(err, service.ErrDuplicateEmail),
		errors.Is(err, service.ErrInvalidStep),
		errors.Is(err, service.ErrInvalidOTP),
		errors.Is(err, service.ErrOTPExpired),
		errors.Is(err, service.ErrInvalidOrExpiredOTP),
		errors.Is(err, service.ErrIncorrectPassword),
		errors.Is(err, service.ErrSamePassword),
		errors.Is(err, service.ErrPasswordMismatch),
		errors.Is(err, service.ErrWeakPassword),
		errors.Is(err, service.ErrNoAvatar):
		return http.StatusBadRequest, ""
	default:
		return http.StatusInternalServerError, ""
	}
}

// clientMessage keeps domain errors human-readable and hides internals.
func clientMessage(err error, status int) string {
	if status == http.StatusInternalServerError && !errors.Is(err, service.ErrNotificationFailed) {
		return "Internal server error."
	}
	return err.Error()
}

func (h *AuthHandler) respondJSON(w http.ResponseWriter, status int, resp Response) {
	respondJSON(w, status, resp)
}

func (h *AuthHandler) respondError(w http.ResponseWriter, status int, message string, err error) {
	resp := Response{Status: "error", Message: message}
	if err != nil && !h.production {
		resp.Error = err.Error()
	}
	respondJSON(w, status, resp)
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusUnauthorized, Response{Status: "error", Message: message})
}

func respondJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		util.Error("Failed to encode response", util.ErrorField(err))
	}
}
