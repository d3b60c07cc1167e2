package wire

// Message is the top-level wire envelope. Exactly one of Request or
// Response is set.
type Message struct {
	ID       uint32    `cbor:"1,keyasint"`
	Request  *Request  `cbor:"2,keyasint,omitempty"`
	Response *Response `cbor:"3,keyasint,omitempty"`
}

// ProtocolViolationID is the message id used for the generic
// protocol-violation response sent just before closing a connection
// when the offending message id is unknown or unusable.
const ProtocolViolationID uint32 = 0x0BADC0DE

// Request wraps either a single request or a conversation request.
type Request struct {
	Single       *SingleRequest       `cbor:"1,keyasint,omitempty"`
	Conversation *ConversationRequest `cbor:"2,keyasint,omitempty"`
}

// Response mirrors Request and carries the status for the whole exchange.
type Response struct {
	Status       Status                `cbor:"1,keyasint"`
	Details      string                `cbor:"2,keyasint,omitempty"`
	Single       *SingleResponse       `cbor:"3,keyasint,omitempty"`
	Conversation *ConversationResponse `cbor:"4,keyasint,omitempty"`
}

// IsConversation reports whether the request side of the pair is a
// conversation request.
func (r *Request) IsConversation() bool { return r.Conversation != nil }

// Kind identifies the concrete request or response payload inside a
// one-of wrapper. Request and response kinds share the same values so a
// pending request can be matched against its response.
type Kind uint8

const (
	KindNone Kind = iota

	// Single requests.
	KindPing
	KindListRoles
	KindGetIdentityInformation
	KindApplicationServiceSendMessage
	KindApplicationServiceReceiveMessage

	// Conversation requests.
	KindStart
	KindRegisterHosting
	KindCheckIn
	KindVerifyIdentity
	KindUpdateProfile
	KindCancelHostingAgreement
	KindApplicationServiceAdd
	KindApplicationServiceRemove
	KindCallIdentityApplicationService
	KindIncomingCallNotification
	KindProfileSearch
	KindProfileSearchPart
	KindAddRelatedIdentity
	KindRemoveRelatedIdentity
	KindGetIdentityRelationships
	KindStartNeighborhoodInitialization
	KindFinishNeighborhoodInitialization
	KindNeighborhoodSharedProfileUpdate
	KindStopNeighborhoodUpdates
)

var kindNames = map[Kind]string{
	KindNone:                             "none",
	KindPing:                             "ping",
	KindListRoles:                        "list-roles",
	KindGetIdentityInformation:           "get-identity-information",
	KindApplicationServiceSendMessage:    "app-service-send-message",
	KindApplicationServiceReceiveMessage: "app-service-receive-message",
	KindStart:                            "start-conversation",
	KindRegisterHosting:                  "register-hosting",
	KindCheckIn:                          "check-in",
	KindVerifyIdentity:                   "verify-identity",
	KindUpdateProfile:                    "update-profile",
	KindCancelHostingAgreement:           "cancel-hosting-agreement",
	KindApplicationServiceAdd:            "app-service-add",
	KindApplicationServiceRemove:         "app-service-remove",
	KindCallIdentityApplicationService:   "call-identity-app-service",
	KindIncomingCallNotification:         "incoming-call-notification",
	KindProfileSearch:                    "profile-search",
	KindProfileSearchPart:                "profile-search-part",
	KindAddRelatedIdentity:               "add-related-identity",
	KindRemoveRelatedIdentity:            "remove-related-identity",
	KindGetIdentityRelationships:         "get-identity-relationships",
	KindStartNeighborhoodInitialization:  "start-neighborhood-initialization",
	KindFinishNeighborhoodInitialization: "finish-neighborhood-initialization",
	KindNeighborhoodSharedProfileUpdate:  "neighborhood-shared-profile-update",
	KindStopNeighborhoodUpdates:          "stop-neighborhood-updates",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}
