package ingest

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/CanopyHQ/xylem/internal/apperror"
	"github.com/CanopyHQ/xylem/internal/cas"
	"github.com/CanopyHQ/xylem/internal/model"
)

// Descriptor is the JSON metadata accompanying an upload.
type Descriptor struct {
	Entity       EntityInput `json:"entity"`
	Action       ActionInput `json:"action"`
	ResourceType string      `json:"resourceType,omitempty" validate:"omitempty,resourcetype"`
	License      string      `json:"license,omitempty" validate:"max=256"`
	SessionID    string      `json:"sessionId,omitempty" validate:"omitempty,max=128"`
}

// EntityInput identifies (or introduces) the performing entity.
type EntityInput struct {
	ID        string    `json:"id,omitempty" validate:"max=128"`
	Role      string    `json:"role" validate:"required,entityrole"`
	Name      string    `json:"name,omitempty" validate:"max=256"`
	Wallet    string    `json:"wallet,omitempty" validate:"max=128"`
	PublicKey string    `json:"publicKey,omitempty" validate:"max=4096"`
	Metadata  model.Bag `json:"metadata,omitempty"`
}

// ActionInput describes the action that produced the upload.
type ActionInput struct {
	Type       string    `json:"type" validate:"required,actiontype"`
	InputCIDs  []string  `json:"inputCids" validate:"max=1000,dive,required,cid"`
	ToolCID    string    `json:"toolCid,omitempty" validate:"omitempty,cid"`
	Proof      string    `json:"proof,omitempty"`
	Extensions model.Bag `json:"extensions,omitempty"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	validate.RegisterValidation("entityrole", func(fl validator.FieldLevel) bool {
		return model.EntityRole(fl.Field().String()).Valid()
	})
	validate.RegisterValidation("actiontype", func(fl validator.FieldLevel) bool {
		return model.ActionType(fl.Field().String()).Valid()
	})
	validate.RegisterValidation("resourcetype", func(fl validator.FieldLevel) bool {
		return model.ResourceType(fl.Field().String()).Valid()
	})
	validate.RegisterValidation("cid", func(fl validator.FieldLevel) bool {
		_, err := cas.Parse(fl.Field().String())
		return err == nil
	})
}

// Validate checks d and reports every offending field.
func (d Descriptor) Validate() error {
	err := validate.Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.Wrap(apperror.Internal, err, "descriptor validation failed")
	}
	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		fields[path] = fe.Tag()
	}
	return apperror.New(apperror.ValidationError, "Payload validation failed").
		WithRecovery("Review `details` and supply fields in the correct shape").
		WithDetails(map[string]any{"fields": fields})
}

// Validate checks an entity registration.
func (e EntityInput) Validate() error {
	if strings.TrimSpace(e.Role) == "" {
		return apperror.Missing("role").WithRecovery("Provide role: human | ai | organization")
	}
	err := validate.Struct(e)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		if verrs[0].Field() == "role" {
			return apperror.Invalid("role", "must be human, ai, organization or ext:<namespace>")
		}
		return apperror.Invalid(verrs[0].Field(), verrs[0].Tag())
	}
	if err != nil {
		return apperror.Wrap(apperror.Internal, err, "entity validation failed")
	}
	return nil
}
