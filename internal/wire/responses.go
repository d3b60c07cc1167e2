package wire

// SingleResponse carries the payload of a response to a single request.
type SingleResponse struct {
	Version []byte `cbor:"1,keyasint,omitempty"`

	Ping                   *PingResponse                   `cbor:"2,keyasint,omitempty"`
	ListRoles              *ListRolesResponse              `cbor:"3,keyasint,omitempty"`
	GetIdentityInformation *GetIdentityInformationResponse `cbor:"4,keyasint,omitempty"`
	AppServiceSendMessage  *AppServiceSendMessageResponse  `cbor:"5,keyasint,omitempty"`

	AppServiceReceiveMessage *AppServiceReceiveMessageResponse `cbor:"6,keyasint,omitempty"`
}

// ConversationResponse carries the payload of a response to a conversation
// request. Signature is set only on the start-conversation response, where
// the server signs the client's challenge.
type ConversationResponse struct {
	Signature []byte `cbor:"1,keyasint,omitempty"`

	Start                  *StartConversationResponse        `cbor:"2,keyasint,omitempty"`
	RegisterHosting        *RegisterHostingResponse          `cbor:"3,keyasint,omitempty"`
	CheckIn                *CheckInResponse                  `cbor:"4,keyasint,omitempty"`
	VerifyIdentity         *VerifyIdentityResponse           `cbor:"5,keyasint,omitempty"`
	UpdateProfile          *UpdateProfileResponse            `cbor:"6,keyasint,omitempty"`
	CancelHosting          *CancelHostingAgreementResponse   `cbor:"7,keyasint,omitempty"`
	AppServiceAdd          *ApplicationServiceAddResponse    `cbor:"8,keyasint,omitempty"`
	AppServiceRemove       *ApplicationServiceRemoveResponse `cbor:"9,keyasint,omitempty"`
	CallIdentity           *CallIdentityAppServiceResponse   `cbor:"10,keyasint,omitempty"`
	IncomingCall           *IncomingCallResponse             `cbor:"11,keyasint,omitempty"`
	ProfileSearch          *ProfileSearchResponse            `cbor:"12,keyasint,omitempty"`
	ProfileSearchPart      *ProfileSearchPartResponse        `cbor:"13,keyasint,omitempty"`
	AddRelatedIdentity     *AddRelatedIdentityResponse       `cbor:"14,keyasint,omitempty"`
	RemoveRelatedIdentity  *RemoveRelatedIdentityResponse    `cbor:"15,keyasint,omitempty"`
	GetRelationships       *GetIdentityRelationshipsResponse `cbor:"16,keyasint,omitempty"`
	StartNeighborhoodInit  *StartNeighborhoodInitResponse    `cbor:"17,keyasint,omitempty"`
	FinishNeighborhoodInit *FinishNeighborhoodInitResponse   `cbor:"18,keyasint,omitempty"`
	SharedProfileUpdate    *SharedProfileUpdateResponse      `cbor:"19,keyasint,omitempty"`
	StopUpdates            *StopNeighborhoodUpdatesResponse  `cbor:"20,keyasint,omitempty"`
}

type PingResponse struct {
	Payload []byte `cbor:"1,keyasint,omitempty"`
	Clock   int64  `cbor:"2,keyasint"`
}

// ServerRole describes one active listening endpoint.
type ServerRole struct {
	Role  string `cbor:"1,keyasint"`
	Port  uint32 `cbor:"2,keyasint"`
	IsTCP bool   `cbor:"3,keyasint"`
	IsTLS bool   `cbor:"4,keyasint"`
}

type ListRolesResponse struct {
	Roles []ServerRole `cbor:"1,keyasint"`
}

type GetIdentityInformationResponse struct {
	IsHosted         bool   `cbor:"1,keyasint"`
	IsOnline         bool   `cbor:"2,keyasint,omitempty"`
	PublicKey        []byte `cbor:"3,keyasint,omitempty"`
	RedirectKnown    bool   `cbor:"4,keyasint,omitempty"`
	RedirectTargetID []byte `cbor:"5,keyasint,omitempty"`

	Version   []byte  `cbor:"6,keyasint,omitempty"`
	Name      string  `cbor:"7,keyasint,omitempty"`
	Type      string  `cbor:"8,keyasint,omitempty"`
	Latitude  float64 `cbor:"9,keyasint,omitempty"`
	Longitude float64 `cbor:"10,keyasint,omitempty"`
	ExtraData string  `cbor:"11,keyasint,omitempty"`

	ProfileImage   []byte   `cbor:"12,keyasint,omitempty"`
	ThumbnailImage []byte   `cbor:"13,keyasint,omitempty"`
	Services       []string `cbor:"14,keyasint,omitempty"`
}

type AppServiceSendMessageResponse struct{}

type AppServiceReceiveMessageResponse struct{}

type StartConversationResponse struct {
	Version         []byte `cbor:"1,keyasint"`
	PublicKey       []byte `cbor:"2,keyasint"`
	Challenge       []byte `cbor:"3,keyasint"`
	ClientChallenge []byte `cbor:"4,keyasint"`
}

type RegisterHostingResponse struct {
	Contract *HostingContract `cbor:"1,keyasint,omitempty"`
}

type CheckInResponse struct{}

type VerifyIdentityResponse struct{}

type UpdateProfileResponse struct{}

type CancelHostingAgreementResponse struct{}

type ApplicationServiceAddResponse struct{}

type ApplicationServiceRemoveResponse struct{}

type CallIdentityAppServiceResponse struct {
	CallerToken []byte `cbor:"1,keyasint"`
}

type IncomingCallResponse struct{}

// ProfileQueryInformation is one search hit.
type ProfileQueryInformation struct {
	IsHosted   bool   `cbor:"1,keyasint"`
	IsOnline   bool   `cbor:"2,keyasint,omitempty"`
	HostingServerID []byte `cbor:"3,keyasint,omitempty"`

	IdentityID []byte  `cbor:"4,keyasint"`
	Version    []byte  `cbor:"5,keyasint"`
	Name       string  `cbor:"6,keyasint"`
	Type       string  `cbor:"7,keyasint,omitempty"`
	Latitude   float64 `cbor:"8,keyasint,omitempty"`
	Longitude  float64 `cbor:"9,keyasint,omitempty"`
	ExtraData  string  `cbor:"10,keyasint,omitempty"`

	ThumbnailImage []byte `cbor:"11,keyasint,omitempty"`
}

type ProfileSearchResponse struct {
	TotalRecordCount uint32                    `cbor:"1,keyasint"`
	MaxResponseCount uint32                    `cbor:"2,keyasint"`
	Profiles         []ProfileQueryInformation `cbor:"3,keyasint,omitempty"`
	CoveredServers   [][]byte                  `cbor:"4,keyasint,omitempty"`
}

type ProfileSearchPartResponse struct {
	RecordIndex uint32                    `cbor:"1,keyasint"`
	RecordCount uint32                    `cbor:"2,keyasint"`
	Profiles    []ProfileQueryInformation `cbor:"3,keyasint,omitempty"`
}

type AddRelatedIdentityResponse struct{}

type RemoveRelatedIdentityResponse struct{}

// IdentityRelation is one stored relationship card with its application
// envelope and the recipient's signature over it.
type IdentityRelation struct {
	Card               *RelationshipCard `cbor:"1,keyasint"`
	Application        *CardApplication  `cbor:"2,keyasint"`
	RecipientSignature []byte            `cbor:"3,keyasint"`
}

type GetIdentityRelationshipsResponse struct {
	Relations []IdentityRelation `cbor:"1,keyasint,omitempty"`
}

type StartNeighborhoodInitResponse struct{}

type FinishNeighborhoodInitResponse struct{}

type SharedProfileUpdateResponse struct{}

type StopNeighborhoodUpdatesResponse struct{}

// Kind returns the kind of the payload carried by the single response.
func (r *SingleResponse) Kind() Kind {
	switch {
	case r.Ping != nil:
		return KindPing
	case r.ListRoles != nil:
		return KindListRoles
	case r.GetIdentityInformation != nil:
		return KindGetIdentityInformation
	case r.AppServiceSendMessage != nil:
		return KindApplicationServiceSendMessage
	case r.AppServiceReceiveMessage != nil:
		return KindApplicationServiceReceiveMessage
	}
	return KindNone
}

// Kind returns the kind of the payload carried by the conversation response.
func (r *ConversationResponse) Kind() Kind {
	switch {
	case r.Start != nil:
		return KindStart
	case r.RegisterHosting != nil:
		return KindRegisterHosting
	case r.CheckIn != nil:
		return KindCheckIn
	case r.VerifyIdentity != nil:
		return KindVerifyIdentity
	case r.UpdateProfile != nil:
		return KindUpdateProfile
	case r.CancelHosting != nil:
		return KindCancelHostingAgreement
	case r.AppServiceAdd != nil:
		return KindApplicationServiceAdd
	case r.AppServiceRemove != nil:
		return KindApplicationServiceRemove
	case r.CallIdentity != nil:
		return KindCallIdentityApplicationService
	case r.IncomingCall != nil:
		return KindIncomingCallNotification
	case r.ProfileSearch != nil:
		return KindProfileSearch
	case r.ProfileSearchPart != nil:
		return KindProfileSearchPart
	case r.AddRelatedIdentity != nil:
		return KindAddRelatedIdentity
	case r.RemoveRelatedIdentity != nil:
		return KindRemoveRelatedIdentity
	case r.GetRelationships != nil:
		return KindGetIdentityRelationships
	case r.StartNeighborhoodInit != nil:
		return KindStartNeighborhoodInitialization
	case r.FinishNeighborhoodInit != nil:
		return KindFinishNeighborhoodInitialization
	case r.SharedProfileUpdate != nil:
		return KindNeighborhoodSharedProfileUpdate
	case r.StopUpdates != nil:
		return KindStopNeighborhoodUpdates
	}
	return KindNone
}

// Kind returns the kind of the whole response, KindNone for bare error
// responses that carry no payload.
func (r *Response) Kind() Kind {
	switch {
	case r.Single != nil:
		return r.Single.Kind()
	case r.Conversation != nil:
		return r.Conversation.Kind()
	}
	return KindNone
}

// IsConversation reports whether the response side of the pair is a
// conversation response.
func (r *Response) IsConversation() bool { return r.Conversation != nil }
