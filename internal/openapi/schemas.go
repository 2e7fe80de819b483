package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"

	"github.com/markbook/markbook/internal/model"
)

// Request body schema names. The same schemas are published in the document
// and used to validate incoming bodies.
const (
	RegisterRequest       = "RegisterRequest"
	LoginRequest          = "LoginRequest"
	ForgotPasswordRequest = "ForgotPasswordRequest"
	VerifyOTPRequest      = "VerifyOTPRequest"
	ResetPasswordRequest  = "ResetPasswordRequest"
	ForceResetRequest     = "ForceResetRequest"
	StatusRequest         = "StatusRequest"
	UpdateRequest         = "UpdateRequest"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 50
	minPasswordLen = 8
	otpLen         = 6
)

func stringSchema() *openapi3.Schema {
	return openapi3.NewStringSchema()
}

func boundedString(min, max int64) *openapi3.Schema {
	s := openapi3.NewStringSchema().WithMinLength(min)
	if max > 0 {
		s = s.WithMaxLength(max)
	}
	return s
}

func roleSchema() *openapi3.Schema {
	values := make([]interface{}, len(model.Roles))
	for i, r := range model.Roles {
		values[i] = string(r)
	}
	return openapi3.NewStringSchema().WithEnum(values...)
}

func object(required []string, props map[string]*openapi3.Schema) *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	for name, p := range props {
		s.WithProperty(name, p)
	}
	s.Required = required
	return s
}

var requestSchemas = map[string]*openapi3.Schema{
	RegisterRequest: object([]string{"username", "email", "password"}, map[string]*openapi3.Schema{
		"username": boundedString(minUsernameLen, maxUsernameLen),
		"email":    boundedString(3, 0).WithFormat("email"),
		"password": boundedString(minPasswordLen, 0),
		"role":     roleSchema(),
	}),
	LoginRequest: object([]string{"email", "password"}, map[string]*openapi3.Schema{
		"email":    boundedString(1, 0).WithFormat("email"),
		"password": boundedString(1, 0),
	}),
	ForgotPasswordRequest: object([]string{"email"}, map[string]*openapi3.Schema{
		"email": boundedString(1, 0).WithFormat("email"),
	}),
	VerifyOTPRequest: object([]string{"email", "otp"}, map[string]*openapi3.Schema{
		"email": boundedString(1, 0).WithFormat("email"),
		"otp":   boundedString(otpLen, otpLen).WithPattern(`^[0-9]+$`),
	}),
	ResetPasswordRequest: object([]string{"token", "newPassword"}, map[string]*openapi3.Schema{
		"token":       boundedString(1, 0),
		"newPassword": boundedString(minPasswordLen, 0),
	}),
	ForceResetRequest: object([]string{"newPassword"}, map[string]*openapi3.Schema{
		"newPassword": boundedString(minPasswordLen, 0),
	}),
	StatusRequest: object([]string{"action"}, map[string]*openapi3.Schema{
		"action":  openapi3.NewStringSchema().WithEnum("confirm", "reject"),
		"newRole": roleSchema(),
	}),
	UpdateRequest: atLeastOne(object(nil, map[string]*openapi3.Schema{
		"username": boundedString(minUsernameLen, maxUsernameLen),
		"email":    boundedString(3, 0).WithFormat("email"),
		"password": boundedString(minPasswordLen, 0),
		"role":     roleSchema(),
	})),
}

func atLeastOne(s *openapi3.Schema) *openapi3.Schema {
	s.MinProps = 1
	return s
}

// RequestSchema returns the body schema registered under name, or nil.
func RequestSchema(name string) *openapi3.Schema {
	return requestSchemas[name]
}

func accountSchema() *openapi3.Schema {
	return object([]string{"id", "username", "email", "role", "status", "created_at", "updated_at"}, map[string]*openapi3.Schema{
		"id":       stringSchema().WithFormat("uuid"),
		"username": stringSchema(),
		"email":    stringSchema().WithFormat("email"),
		"role":     roleSchema(),
		"status": openapi3.NewStringSchema().WithEnum(
			string(model.StatusPending), string(model.StatusActive),
			string(model.StatusRejected), string(model.StatusSuspended)),
		"last_login_at": openapi3.NewDateTimeSchema(),
		"created_at":    openapi3.NewDateTimeSchema(),
		"updated_at":    openapi3.NewDateTimeSchema(),
	})
}

func sessionSchema() *openapi3.Schema {
	return object([]string{"token", "email", "role", "username"}, map[string]*openapi3.Schema{
		"token":    stringSchema(),
		"email":    stringSchema().WithFormat("email"),
		"role":     roleSchema(),
		"username": stringSchema(),
	})
}

func activitySchema() *openapi3.Schema {
	return object([]string{"id", "account_id", "action", "created_at"}, map[string]*openapi3.Schema{
		"id":         stringSchema(),
		"account_id": stringSchema(),
		"actor_id":   stringSchema(),
		"action":     stringSchema(),
		"details":    stringSchema(),
		"created_at": openapi3.NewDateTimeSchema(),
	})
}

func errorEnvelopeSchema() *openapi3.Schema {
	return object([]string{"success", "error"}, map[string]*openapi3.Schema{
		"success": openapi3.NewBoolSchema(),
		"error":   stringSchema(),
	})
}

// envelope wraps data in the success envelope.
func envelope(data *openapi3.SchemaRef) *openapi3.SchemaRef {
	s := openapi3.NewObjectSchema()
	s.WithProperty("success", openapi3.NewBoolSchema())
	s.Required = []string{"success"}
	if data != nil {
		s.Properties["data"] = data
	}
	return openapi3.NewSchemaRef("", s)
}

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func arrayOf(item *openapi3.SchemaRef) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("", &openapi3.Schema{
		Type:  &openapi3.Types{"array"},
		Items: item,
	})
}

func pageOf(item *openapi3.SchemaRef) *openapi3.SchemaRef {
	s := openapi3.NewObjectSchema()
	s.Properties = openapi3.Schemas{
		"items": arrayOf(item),
		"page":  openapi3.NewSchemaRef("", openapi3.NewIntegerSchema()),
		"limit": openapi3.NewSchemaRef("", openapi3.NewIntegerSchema()),
		"total": openapi3.NewSchemaRef("", openapi3.NewIntegerSchema()),
	}
	s.Required = []string{"items", "page", "limit", "total"}
	return openapi3.NewSchemaRef("", s)
}

func messageSchema() *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("", object([]string{"message"}, map[string]*openapi3.Schema{
		"message": stringSchema(),
	}))
}
