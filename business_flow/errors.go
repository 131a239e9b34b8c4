// Package businessflow contains the core business logic and use cases for campaign dispatch control
package businessflow

import (
	"errors"
	"fmt"

	"github.com/amirphl/orochi-dispatch/app/services"
)

// Business flow error constants
var (
	// Campaign-related errors
	ErrCampaignNotFound      = errors.New("campaign not found")
	ErrCampaignAccessDenied  = errors.New("campaign access denied")
	ErrCampaignTerminal      = errors.New("campaign is completed or cancelled")
	ErrCampaignNotEditable   = errors.New("campaign contacts cannot be replaced in current status")
	ErrCampaignStatusChanged = errors.New("campaign status changed concurrently")
	ErrCampaignNoContacts    = errors.New("campaign has no contacts")
	ErrCampaignNotStartable  = errors.New("campaign cannot be started in current status")
	ErrCampaignNotPausable   = errors.New("campaign cannot be paused in current status")

	// Contact-related errors
	ErrContactsRequired    = errors.New("at least one contact is required")
	ErrInvalidContactPhone = errors.New("invalid contact phone")

	// Import errors
	ErrImportFileInvalid   = errors.New("import file is not a readable XLSX workbook")
	ErrImportPhoneRequired = errors.New("import header must contain a phone column")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
	Details any
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBusinessErrorf(code, message string, err error, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
		Err:     err,
	}
}

// WithDetails attaches a client-facing payload, such as the rejected rows of an upload
func (e *BusinessError) WithDetails(details any) *BusinessError {
	e.Details = details
	return e
}

// ErrorCode returns the code of the outermost BusinessError in err's chain
func ErrorCode(err error) string {
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// ErrorDetails returns the details of the outermost BusinessError in err's chain
func ErrorDetails(err error) any {
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Details
	}
	return nil
}

func IsCampaignNotFound(err error) bool {
	return errors.Is(err, ErrCampaignNotFound)
}

func IsCampaignAccessDenied(err error) bool {
	return errors.Is(err, ErrCampaignAccessDenied)
}

func IsCampaignTerminal(err error) bool {
	return errors.Is(err, ErrCampaignTerminal)
}

func IsCampaignNotEditable(err error) bool {
	return errors.Is(err, ErrCampaignNotEditable)
}

func IsCampaignStatusChanged(err error) bool {
	return errors.Is(err, ErrCampaignStatusChanged)
}

func IsCampaignNoContacts(err error) bool {
	return errors.Is(err, ErrCampaignNoContacts)
}

func IsCampaignNotStartable(err error) bool {
	return errors.Is(err, ErrCampaignNotStartable)
}

func IsCampaignNotPausable(err error) bool {
	return errors.Is(err, ErrCampaignNotPausable)
}

func IsContactsRequired(err error) bool {
	return errors.Is(err, ErrContactsRequired)
}

func IsInvalidContactPhone(err error) bool {
	return errors.Is(err, ErrInvalidContactPhone)
}

func IsImportFileInvalid(err error) bool {
	return errors.Is(err, ErrImportFileInvalid)
}

func IsImportPhoneRequired(err error) bool {
	return errors.Is(err, ErrImportPhoneRequired)
}

func IsGatewayNotConfigured(err error) bool {
	return errors.Is(err, services.ErrGatewayNotConfigured)
}

func IsInstanceNotSelected(err error) bool {
	return errors.Is(err, services.ErrInstanceNotSelected)
}
