package wire

// SingleRequest is a request that lives outside any conversation.
// Exactly one payload field is set.
type SingleRequest struct {
	Version []byte `cbor:"1,keyasint"`

	Ping                   *PingRequest                   `cbor:"2,keyasint,omitempty"`
	ListRoles              *ListRolesRequest              `cbor:"3,keyasint,omitempty"`
	GetIdentityInformation *GetIdentityInformationRequest `cbor:"4,keyasint,omitempty"`
	AppServiceSendMessage  *AppServiceSendMessageRequest  `cbor:"5,keyasint,omitempty"`

	// Server-initiated: delivery of a relayed payload to the peer side.
	AppServiceReceiveMessage *AppServiceReceiveMessageNotification `cbor:"6,keyasint,omitempty"`
}

// ConversationRequest is a request bound to the connection's conversation.
// Signature, when present, is an Ed25519 signature by the session's
// identity key over the challenge inside the payload.
type ConversationRequest struct {
	Signature []byte `cbor:"1,keyasint,omitempty"`

	Start                  *StartConversationRequest        `cbor:"2,keyasint,omitempty"`
	RegisterHosting        *RegisterHostingRequest          `cbor:"3,keyasint,omitempty"`
	CheckIn                *CheckInRequest                  `cbor:"4,keyasint,omitempty"`
	VerifyIdentity         *VerifyIdentityRequest           `cbor:"5,keyasint,omitempty"`
	UpdateProfile          *UpdateProfileRequest            `cbor:"6,keyasint,omitempty"`
	CancelHosting          *CancelHostingAgreementRequest   `cbor:"7,keyasint,omitempty"`
	AppServiceAdd          *ApplicationServiceAddRequest    `cbor:"8,keyasint,omitempty"`
	AppServiceRemove       *ApplicationServiceRemoveRequest `cbor:"9,keyasint,omitempty"`
	CallIdentity           *CallIdentityAppServiceRequest   `cbor:"10,keyasint,omitempty"`
	IncomingCall           *IncomingCallNotification        `cbor:"11,keyasint,omitempty"`
	ProfileSearch          *ProfileSearchRequest            `cbor:"12,keyasint,omitempty"`
	ProfileSearchPart      *ProfileSearchPartRequest        `cbor:"13,keyasint,omitempty"`
	AddRelatedIdentity     *AddRelatedIdentityRequest       `cbor:"14,keyasint,omitempty"`
	RemoveRelatedIdentity  *RemoveRelatedIdentityRequest    `cbor:"15,keyasint,omitempty"`
	GetRelationships       *GetIdentityRelationshipsRequest `cbor:"16,keyasint,omitempty"`
	StartNeighborhoodInit  *StartNeighborhoodInitRequest    `cbor:"17,keyasint,omitempty"`
	FinishNeighborhoodInit *FinishNeighborhoodInitRequest   `cbor:"18,keyasint,omitempty"`
	SharedProfileUpdate    *SharedProfileUpdateRequest      `cbor:"19,keyasint,omitempty"`
	StopUpdates            *StopNeighborhoodUpdatesRequest  `cbor:"20,keyasint,omitempty"`
}

type PingRequest struct {
	Payload []byte `cbor:"1,keyasint,omitempty"`
}

type ListRolesRequest struct{}

type GetIdentityInformationRequest struct {
	IdentityID          []byte `cbor:"1,keyasint"`
	IncludeProfileImage bool   `cbor:"2,keyasint,omitempty"`
	IncludeThumbnail    bool   `cbor:"3,keyasint,omitempty"`
	IncludeServices     bool   `cbor:"4,keyasint,omitempty"`
}

type AppServiceSendMessageRequest struct {
	Token   []byte `cbor:"1,keyasint"`
	Message []byte `cbor:"2,keyasint,omitempty"`
}

type AppServiceReceiveMessageNotification struct {
	Message []byte `cbor:"1,keyasint,omitempty"`
}

type StartConversationRequest struct {
	SupportedVersions [][]byte `cbor:"1,keyasint"`
	PublicKey         []byte   `cbor:"2,keyasint"`
	ClientChallenge   []byte   `cbor:"3,keyasint"`
}

// HostingContract is the agreement under which a server hosts an identity.
// Signature is by the identity's key over the contract serialized with
// Signature zeroed.
type HostingContract struct {
	PlanID            []byte `cbor:"1,keyasint,omitempty"`
	IdentityPublicKey []byte `cbor:"2,keyasint"`
	IdentityType      string `cbor:"3,keyasint"`
	StartTime         int64  `cbor:"4,keyasint"`
	Signature         []byte `cbor:"5,keyasint,omitempty"`
}

type RegisterHostingRequest struct {
	Contract *HostingContract `cbor:"1,keyasint"`
}

type CheckInRequest struct {
	Challenge []byte `cbor:"1,keyasint"`
}

type VerifyIdentityRequest struct {
	Challenge []byte `cbor:"1,keyasint"`
}

type UpdateProfileRequest struct {
	SetVersion   bool `cbor:"1,keyasint,omitempty"`
	SetName      bool `cbor:"2,keyasint,omitempty"`
	SetImage     bool `cbor:"3,keyasint,omitempty"`
	SetLocation  bool `cbor:"4,keyasint,omitempty"`
	SetExtraData bool `cbor:"5,keyasint,omitempty"`

	Version   []byte  `cbor:"6,keyasint,omitempty"`
	Name      string  `cbor:"7,keyasint,omitempty"`
	Image     []byte  `cbor:"8,keyasint,omitempty"`
	Latitude  float64 `cbor:"9,keyasint,omitempty"`
	Longitude float64 `cbor:"10,keyasint,omitempty"`
	ExtraData string  `cbor:"11,keyasint,omitempty"`
}

type CancelHostingAgreementRequest struct {
	Redirect         bool   `cbor:"1,keyasint,omitempty"`
	RedirectTargetID []byte `cbor:"2,keyasint,omitempty"`
}

type ApplicationServiceAddRequest struct {
	ServiceNames []string `cbor:"1,keyasint"`
}

type ApplicationServiceRemoveRequest struct {
	ServiceName string `cbor:"1,keyasint"`
}

type CallIdentityAppServiceRequest struct {
	IdentityID  []byte `cbor:"1,keyasint"`
	ServiceName string `cbor:"2,keyasint"`
}

type IncomingCallNotification struct {
	CallerPublicKey []byte `cbor:"1,keyasint"`
	ServiceName     string `cbor:"2,keyasint"`
	CalleeToken     []byte `cbor:"3,keyasint"`
}

type ProfileSearchRequest struct {
	IncludeHostedOnly bool   `cbor:"1,keyasint,omitempty"`
	IncludeThumbnails bool   `cbor:"2,keyasint,omitempty"`
	MaxResponseCount  uint32 `cbor:"3,keyasint"`
	MaxTotalCount     uint32 `cbor:"4,keyasint"`

	Type string `cbor:"5,keyasint,omitempty"`
	Name string `cbor:"6,keyasint,omitempty"`

	Latitude  float64 `cbor:"7,keyasint,omitempty"`
	Longitude float64 `cbor:"8,keyasint,omitempty"`
	Radius    uint32  `cbor:"9,keyasint,omitempty"` // metres; 0 = no location filter

	ExtraData string `cbor:"10,keyasint,omitempty"` // regular expression
}

type ProfileSearchPartRequest struct {
	RecordIndex uint32 `cbor:"1,keyasint"`
	RecordCount uint32 `cbor:"2,keyasint"`
}

// RelationshipCard binds two identities for one application. CardID is the
// SHA-256 of the card serialized with CardID and both signatures zeroed;
// IssuerSignature signs CardID.
type RelationshipCard struct {
	CardID             []byte `cbor:"1,keyasint,omitempty"`
	CardVersion        []byte `cbor:"2,keyasint"`
	IssuerPublicKey    []byte `cbor:"3,keyasint"`
	RecipientPublicKey []byte `cbor:"4,keyasint"`
	Type               string `cbor:"5,keyasint"`
	ValidFrom          int64  `cbor:"6,keyasint"`
	ValidTo            int64  `cbor:"7,keyasint"`
	IssuerSignature    []byte `cbor:"8,keyasint,omitempty"`
}

// CardApplication ties a relationship card to an application id. The
// recipient's signature covers this envelope.
type CardApplication struct {
	ApplicationID []byte `cbor:"1,keyasint"`
	CardID        []byte `cbor:"2,keyasint"`
}

type AddRelatedIdentityRequest struct {
	Application        *CardApplication  `cbor:"1,keyasint"`
	Card               *RelationshipCard `cbor:"2,keyasint"`
	RecipientSignature []byte            `cbor:"3,keyasint"`
}

type RemoveRelatedIdentityRequest struct {
	ApplicationID []byte `cbor:"1,keyasint"`
}

type GetIdentityRelationshipsRequest struct {
	IdentityID      []byte `cbor:"1,keyasint"`
	IncludeInvalid  bool   `cbor:"2,keyasint,omitempty"`
	Type            string `cbor:"3,keyasint,omitempty"`
	IssuerPublicKey []byte `cbor:"4,keyasint,omitempty"`
}

type StartNeighborhoodInitRequest struct {
	PrimaryPort  uint16 `cbor:"1,keyasint"`
	NeighborPort uint16 `cbor:"2,keyasint"`
}

type FinishNeighborhoodInitRequest struct{}

// SharedProfileUpdateItem is one replication item. Exactly one field set.
type SharedProfileUpdateItem struct {
	Add     *SharedProfileAdd     `cbor:"1,keyasint,omitempty"`
	Change  *SharedProfileChange  `cbor:"2,keyasint,omitempty"`
	Delete  *SharedProfileDelete  `cbor:"3,keyasint,omitempty"`
	Refresh *SharedProfileRefresh `cbor:"4,keyasint,omitempty"`
}

type SharedProfileAdd struct {
	Version        []byte  `cbor:"1,keyasint"`
	PublicKey      []byte  `cbor:"2,keyasint"`
	Name           string  `cbor:"3,keyasint"`
	Type           string  `cbor:"4,keyasint,omitempty"`
	Latitude       float64 `cbor:"5,keyasint,omitempty"`
	Longitude      float64 `cbor:"6,keyasint,omitempty"`
	ExtraData      string  `cbor:"7,keyasint,omitempty"`
	ThumbnailImage []byte  `cbor:"8,keyasint,omitempty"`
}

type SharedProfileChange struct {
	IdentityID []byte `cbor:"1,keyasint"`

	SetVersion   bool `cbor:"2,keyasint,omitempty"`
	SetName      bool `cbor:"3,keyasint,omitempty"`
	SetThumbnail bool `cbor:"4,keyasint,omitempty"`
	SetLocation  bool `cbor:"5,keyasint,omitempty"`
	SetExtraData bool `cbor:"6,keyasint,omitempty"`

	Version        []byte  `cbor:"7,keyasint,omitempty"`
	Name           string  `cbor:"8,keyasint,omitempty"`
	ThumbnailImage []byte  `cbor:"9,keyasint,omitempty"`
	Latitude       float64 `cbor:"10,keyasint,omitempty"`
	Longitude      float64 `cbor:"11,keyasint,omitempty"`
	ExtraData      string  `cbor:"12,keyasint,omitempty"`
}

type SharedProfileDelete struct {
	IdentityID []byte `cbor:"1,keyasint"`
}

type SharedProfileRefresh struct{}

type SharedProfileUpdateRequest struct {
	Items []SharedProfileUpdateItem `cbor:"1,keyasint"`
}

type StopNeighborhoodUpdatesRequest struct{}

// Kind returns the kind of the payload carried by the single request.
func (r *SingleRequest) Kind() Kind {
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

// Kind returns the kind of the payload carried by the conversation request.
func (r *ConversationRequest) Kind() Kind {
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

// Kind returns the kind of the whole request.
func (r *Request) Kind() Kind {
	switch {
	case r.Single != nil:
		return r.Single.Kind()
	case r.Conversation != nil:
		return r.Conversation.Kind()
	}
	return KindNone
}
