package billing

import (
	"strconv"
	"strings"
)

// Provider response codes.
const (
	ResponseOK                 = 0
	ResponseUserCanceled       = 1
	ResponseServiceUnavailable = 2
	ResponseBillingUnavailable = 3
	ResponseItemUnavailable    = 4
	ResponseDeveloperError     = 5
	ResponseError              = 6
	ResponseItemAlreadyOwned   = 7
	ResponseItemNotOwned       = 8
)

// Codes raised by provider bindings rather than the billing service itself.
const (
	HelperErrorBase                 = -1000
	HelperRemoteException           = -1001
	HelperBadResponse               = -1002
	HelperVerificationFailed        = -1003
	HelperSendIntentFailed          = -1004
	HelperUserCancelled             = -1005
	HelperUnknownPurchaseResponse   = -1006
	HelperMissingToken              = -1007
	HelperUnknownError              = -1008
	HelperSubscriptionsNotAvailable = -1009
	HelperInvalidConsumption        = -1010
	HelperAsyncInProgress           = -1011
)

var descriptions = map[int]string{
	ResponseOK:                 "OK",
	ResponseUserCanceled:       "User Canceled",
	ResponseServiceUnavailable: "Unknown",
	ResponseBillingUnavailable: "Billing Unavailable",
	ResponseItemUnavailable:    "Item unavailable",
	ResponseDeveloperError:     "Invalid arguments provided to API",
	ResponseError:              "Fatal Error",
	ResponseItemAlreadyOwned:   "Item Already Owned",
	ResponseItemNotOwned:       "Item not owned",

	HelperRemoteException:           "Remote exception during initialization",
	HelperBadResponse:               "Bad response received",
	HelperVerificationFailed:        "Purchase signature verification failed",
	HelperSendIntentFailed:          "Send intent failed",
	HelperUserCancelled:             "User cancelled",
	HelperUnknownPurchaseResponse:   "Unknown purchase response",
	HelperMissingToken:              "Missing token",
	HelperUnknownError:              "Unknown error",
	HelperSubscriptionsNotAvailable: "Subscriptions not available",
	HelperInvalidConsumption:        "Invalid consumption attempt",
	HelperAsyncInProgress:           "Another async operation is in progress",
}

// Description returns the canonical description of a response code.
func Description(code int) string {
	if desc, ok := descriptions[code]; ok {
		return desc
	}
	if code <= HelperErrorBase {
		return strconv.Itoa(code) + ":Unknown IAB Helper Error"
	}
	return strconv.Itoa(code) + ":Unknown"
}

// Result is the outcome of a billing operation: a response code and a
// human-readable message.
type Result struct {
	Code    int
	Message string
}

// NewResult classifies a response code. A blank message is replaced with the
// code's description, otherwise the description is appended to it.
func NewResult(code int, message string) Result {
	if strings.TrimSpace(message) == "" {
		message = Description(code)
	} else {
		message = message + " (response: " + Description(code) + ")"
	}

	return Result{Code: code, Message: message}
}

func (r Result) Succeeded() bool {
	return r.Code == ResponseOK
}

func (r Result) Failed() bool {
	return !r.Succeeded()
}

func (r Result) String() string {
	return "Result: " + r.Message
}
