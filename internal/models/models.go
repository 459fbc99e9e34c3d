// Package models defines the core data structures for SleepPath.
//
// It includes view and onboarding types, persisted completion state and the
// JSON envelope returned by the HTTP API.
package models

import (
	"errors"
	"regexp"
	"strings"
)

// Validation constants for input validation
const (
	// MaxNameLength bounds user and baby names accepted over the API
	MaxNameLength = 100
	// MaxBabyAgeMonths bounds the baby age accepted over the API and in onboarding answers
	MaxBabyAgeMonths = 60
	// MaxConsultantMessageLength bounds a single consultant chat message
	MaxConsultantMessageLength = 2000
)

// Error variables for better error handling and testability
var (
	ErrUserIDRequired         = errors.New("user ID is required")
	ErrEmptyUserName          = errors.New("user name cannot be empty")
	ErrNameTooLong            = errors.New("name exceeds maximum length")
	ErrEmptyBabyName          = errors.New("baby name cannot be empty")
	ErrInvalidBabyAge         = errors.New("baby age must be between 0 and 60 months")
	ErrEmptyConsultantMessage = errors.New("consultant message cannot be empty")
	ErrConsultantMessageLong  = errors.New("consultant message exceeds maximum length")
	ErrInvalidPhoneNumber     = errors.New("invalid phone number format")
)

// E.164: a plus sign, then up to 15 digits with no leading zero.
var phoneRegex = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidatePhoneNumber reports ErrInvalidPhoneNumber unless phone is E.164.
func ValidatePhoneNumber(phone string) error {
	if !phoneRegex.MatchString(phone) {
		return ErrInvalidPhoneNumber
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// SetViewRequest is the body of a set-view call.
type SetViewRequest struct {
	View string `json:"view"`
}

// AnswersRequest carries a partial answer emitted by an onboarding screen.
type AnswersRequest struct {
	Answers Answers `json:"answers"`
}

// ActivePlanRequest toggles the active-plan flag after payment capture.
type ActivePlanRequest struct {
	Active bool `json:"active"`
}

// UserNameRequest updates the parent's display name.
type UserNameRequest struct {
	UserName string `json:"userName"`
}

// Validate checks the user name request.
func (r *UserNameRequest) Validate() error {
	r.UserName = strings.TrimSpace(r.UserName)
	if r.UserName == "" {
		return ErrEmptyUserName
	}
	if len(r.UserName) > MaxNameLength {
		return ErrNameTooLong
	}
	return nil
}

// BabyProfileRequest updates the baby profile.
type BabyProfileRequest struct {
	BabyName      string `json:"babyName"`
	BabyAgeMonths int    `json:"babyAgeMonths"`
	BabyPhotoRef  string `json:"babyPhotoRef,omitempty"`
}

// Validate checks the baby profile request.
func (r *BabyProfileRequest) Validate() error {
	r.BabyName = strings.TrimSpace(r.BabyName)
	if r.BabyName == "" {
		return ErrEmptyBabyName
	}
	if len(r.BabyName) > MaxNameLength {
		return ErrNameTooLong
	}
	if r.BabyAgeMonths < 0 || r.BabyAgeMonths > MaxBabyAgeMonths {
		return ErrInvalidBabyAge
	}
	return nil
}

// ConsultantMessageRequest is one message sent to the AI consultant persona.
type ConsultantMessageRequest struct {
	Message string `json:"message"`
}

// Validate checks the consultant message.
func (r *ConsultantMessageRequest) Validate() error {
	r.Message = strings.TrimSpace(r.Message)
	if r.Message == "" {
		return ErrEmptyConsultantMessage
	}
	if len(r.Message) > MaxConsultantMessageLength {
		return ErrConsultantMessageLong
	}
	return nil
}

// ConsultantReply is returned by the consultant endpoint.
type ConsultantReply struct {
	Reply string `json:"reply"`
}
