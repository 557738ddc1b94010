package model

import (
	"regexp"
)

// extPattern matches extension values such as "ext:acme" or "ext:acme:v2".
var extPattern = regexp.MustCompile(`^ext:[A-Za-z]\w*(?::\w+)*$`)

// IsExtension reports whether v is a well-formed extension value.
func IsExtension(v string) bool { return extPattern.MatchString(v) }

func validEnum(v string, core []string) bool {
	for _, c := range core {
		if v == c {
			return true
		}
	}
	return IsExtension(v)
}

// EntityRole classifies an entity.
type EntityRole string

const (
	RoleHuman        EntityRole = "human"
	RoleAI           EntityRole = "ai"
	RoleOrganization EntityRole = "organization"
)

var entityRoles = []string{"human", "ai", "organization"}

func (r EntityRole) Valid() bool { return validEnum(string(r), entityRoles) }

// ActionType classifies an action.
type ActionType string

const (
	ActionCreate     ActionType = "create"
	ActionRemix      ActionType = "remix"
	ActionTrain      ActionType = "train"
	ActionReview     ActionType = "review"
	ActionAssign     ActionType = "assign"
	ActionAggregate  ActionType = "aggregate"
	ActionContribute ActionType = "contribute"
)

var actionTypes = []string{"create", "remix", "train", "review", "assign", "aggregate", "contribute"}

func (t ActionType) Valid() bool { return validEnum(string(t), actionTypes) }

// AttributionRole describes how an entity contributed to a resource.
type AttributionRole string

const (
	AttrCreator        AttributionRole = "creator"
	AttrContributor    AttributionRole = "contributor"
	AttrSourceMaterial AttributionRole = "sourceMaterial"
	AttrReviewer       AttributionRole = "reviewer"
	AttrTool           AttributionRole = "tool"
)

var attributionRoles = []string{"creator", "contributor", "sourceMaterial", "reviewer", "tool"}

func (r AttributionRole) Valid() bool { return validEnum(string(r), attributionRoles) }

// ResourceType is the kind of content a resource holds.
type ResourceType string

const (
	TypeText      ResourceType = "text"
	TypeImage     ResourceType = "image"
	TypeVideo     ResourceType = "video"
	TypeAudio     ResourceType = "audio"
	TypeCode      ResourceType = "code"
	TypeDataset   ResourceType = "dataset"
	TypeModel     ResourceType = "model"
	TypeTool      ResourceType = "tool"
	TypeComposite ResourceType = "composite"
)

var resourceTypes = []string{"text", "image", "video", "audio", "code", "dataset", "model", "tool", "composite"}

func (t ResourceType) Valid() bool { return validEnum(string(t), resourceTypes) }
