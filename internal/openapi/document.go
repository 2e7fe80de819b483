// Package openapi builds the OpenAPI document for the markbook HTTP API and
// owns the request body schemas the handlers validate against.
package openapi

import (
	"net/http"
	"strconv"

	"github.com/getkin/kin-openapi/openapi3"
)

const (
	tagAuth      = "auth"
	tagRecovery  = "recovery"
	tagAccounts  = "accounts"
	tagDashboard = "dashboard"
	tagSystem    = "system"
)

// Generate returns the document for the whole API. serverURL may be empty.
func Generate(serverURL, version string) *openapi3.T {
	if version == "" {
		version = "dev"
	}
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "markbook API",
			Description: "Admin accounts, sessions and password recovery for the school records backend.",
			Version:     version,
		},
	}
	if serverURL != "" {
		doc.Servers = openapi3.Servers{{URL: serverURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		},
	}
	doc.Components.SecuritySchemes["csrfHeader"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:        "apiKey",
			In:          "header",
			Name:        "X-CSRF-Token",
			Description: "Echo of the csrfToken cookie, required on POST, PUT, PATCH and DELETE.",
		},
	}

	for name, s := range requestSchemas {
		doc.Components.Schemas[name] = openapi3.NewSchemaRef("", s)
	}
	doc.Components.Schemas["Account"] = openapi3.NewSchemaRef("", accountSchema())
	doc.Components.Schemas["Session"] = openapi3.NewSchemaRef("", sessionSchema())
	doc.Components.Schemas["ActivityEntry"] = openapi3.NewSchemaRef("", activitySchema())
	doc.Components.Schemas["ErrorEnvelope"] = openapi3.NewSchemaRef("", errorEnvelopeSchema())

	doc.Paths = openapi3.NewPaths()
	addAuthPaths(doc)
	addRecoveryPaths(doc)
	addAccountPaths(doc)
	addSystemPaths(doc)

	return doc
}

var (
	csrfOnly   = &openapi3.SecurityRequirements{{"csrfHeader": {}}}
	bearerOnly = &openapi3.SecurityRequirements{{"bearerAuth": {}}}
	bearerCSRF = &openapi3.SecurityRequirements{{"bearerAuth": {}, "csrfHeader": {}}}
	anonymous  = &openapi3.SecurityRequirements{}
)

func addAuthPaths(doc *openapi3.T) {
	doc.Paths.Set("/admin/register", &openapi3.PathItem{
		Post: operation(tagAuth, "registerAdmin", "Register a pending admin and notify the operator", csrfOnly,
			body(RegisterRequest), http.StatusCreated, envelope(ref("Account")),
			http.StatusBadRequest, http.StatusConflict, http.StatusForbidden, http.StatusTooManyRequests),
	})
	confirm := operation(tagAuth, "confirmAdmin", "Activate a pending admin with the mailed token", anonymous,
		nil, http.StatusOK, envelope(ref("Account")),
		http.StatusBadRequest, http.StatusTooManyRequests)
	confirm.Parameters = openapi3.Parameters{
		&openapi3.ParameterRef{
			Value: openapi3.NewQueryParameter("token").
				WithDescription("Confirmation token from the approval link.").
				WithRequired(true).
				WithSchema(openapi3.NewStringSchema()),
		},
	}
	doc.Paths.Set("/admin/confirm", &openapi3.PathItem{Get: confirm})
	doc.Paths.Set("/admin/login", &openapi3.PathItem{
		Post: operation(tagAuth, "login", "Verify credentials and issue a session token", csrfOnly,
			body(LoginRequest), http.StatusOK, envelope(ref("Session")),
			http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests),
	})
}

func addRecoveryPaths(doc *openapi3.T) {
	doc.Paths.Set("/admin/forgot-password", &openapi3.PathItem{
		Post: operation(tagRecovery, "forgotPassword", "Mail a one-time reset code", csrfOnly,
			body(ForgotPasswordRequest), http.StatusOK, envelope(messageSchema()),
			http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway, http.StatusTooManyRequests),
	})
	tokenData := openapi3.NewSchemaRef("", object([]string{"token"}, map[string]*openapi3.Schema{
		"token": stringSchema(),
	}))
	doc.Paths.Set("/admin/verify-otp", &openapi3.PathItem{
		Post: operation(tagRecovery, "verifyOTP", "Exchange a reset code for a reset token", csrfOnly,
			body(VerifyOTPRequest), http.StatusOK, envelope(tokenData),
			http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized, http.StatusTooManyRequests),
	})
	doc.Paths.Set("/admin/reset-password", &openapi3.PathItem{
		Post: operation(tagRecovery, "resetPassword", "Consume a reset token and set a new password", csrfOnly,
			body(ResetPasswordRequest), http.StatusOK, envelope(messageSchema()),
			http.StatusBadRequest, http.StatusTooManyRequests),
	})
}

func addAccountPaths(doc *openapi3.T) {
	idParam := openapi3.Parameters{
		&openapi3.ParameterRef{Value: openapi3.NewPathParameter("id").WithSchema(openapi3.NewStringSchema())},
	}
	account := envelope(ref("Account"))
	transition := func(opID, summary string, req string) *openapi3.PathItem {
		op := operation(tagAccounts, opID, summary, bearerCSRF, body(req), http.StatusOK, account,
			http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict)
		op.Parameters = idParam
		return &openapi3.PathItem{Patch: op}
	}

	doc.Paths.Set("/admin/all", &openapi3.PathItem{
		Get: operation(tagAccounts, "listAdmins", "List every account", bearerOnly,
			nil, http.StatusOK, envelope(arrayOf(ref("Account"))),
			http.StatusUnauthorized, http.StatusForbidden),
	})

	get := operation(tagAccounts, "getAdmin", "Fetch one account", bearerOnly,
		nil, http.StatusOK, account, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound)
	get.Parameters = idParam
	update := operation(tagAccounts, "updateAdmin", "Change an account's username, email, role or password", bearerCSRF,
		body(UpdateRequest), http.StatusOK, account,
		http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict)
	update.Parameters = idParam
	remove := operation(tagAccounts, "deleteAdmin", "Delete an account and its activity", bearerCSRF,
		nil, http.StatusOK, envelope(messageSchema()),
		http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict)
	remove.Parameters = idParam
	doc.Paths.Set("/admin/{id}", &openapi3.PathItem{Get: get, Patch: update, Delete: remove})

	logs := operation(tagAccounts, "listAdminActivity", "Page through an account's activity, newest first", bearerOnly,
		nil, http.StatusOK, envelope(pageOf(ref("ActivityEntry"))),
		http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound)
	logs.Parameters = append(openapi3.Parameters{}, idParam...)
	logs.Parameters = append(logs.Parameters,
		&openapi3.ParameterRef{Value: openapi3.NewQueryParameter("page").
			WithDescription("1-based page number.").
			WithSchema(openapi3.NewIntegerSchema().WithMin(1))},
		&openapi3.ParameterRef{Value: openapi3.NewQueryParameter("limit").
			WithDescription("Entries per page, 1 to 100.").
			WithSchema(openapi3.NewIntegerSchema().WithMin(1).WithMax(100))},
	)
	doc.Paths.Set("/admin/{id}/logs", &openapi3.PathItem{Get: logs})

	status := operation(tagAccounts, "decideAdminStatus", "Confirm or reject a pending account", bearerCSRF,
		body(StatusRequest), http.StatusOK, account,
		http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict)
	status.Parameters = idParam
	doc.Paths.Set("/admin/{id}/status", &openapi3.PathItem{Put: status})

	for _, t := range []struct{ path, opID, summary string }{
		{"/admin/{id}/promote", "promoteAdmin", "Make the account a superadmin"},
		{"/admin/{id}/demote", "demoteAdmin", "Reduce the account to admin"},
		{"/admin/{id}/suspend", "suspendAdmin", "Suspend the account"},
	} {
		doc.Paths.Set(t.path, transition(t.opID, t.summary, ""))
	}
	doc.Paths.Set("/admin/{id}/reset-password", transition("forceResetPassword",
		"Set a new password for the account", ForceResetRequest))

	doc.Paths.Set("/teacher/dashboard", &openapi3.PathItem{
		Get: operation(tagDashboard, "teacherDashboard", "Dashboard data for the signed-in user", bearerOnly,
			nil, http.StatusOK, envelope(nil), http.StatusUnauthorized, http.StatusForbidden),
	})
}

func addSystemPaths(doc *openapi3.T) {
	for _, p := range []struct{ path, opID, summary string }{
		{"/healthz", "health", "Liveness check"},
		{"/readyz", "ready", "Readiness check; pings the account store"},
	} {
		doc.Paths.Set(p.path, &openapi3.PathItem{
			Get: operation(tagSystem, p.opID, p.summary, anonymous, nil, http.StatusOK, envelope(messageSchema()),
				http.StatusServiceUnavailable),
		})
	}
}

// body returns a required JSON request body referencing the named schema.
// An empty name means the operation takes no body.
func body(name string) *openapi3.RequestBodyRef {
	if name == "" {
		return nil
	}
	return &openapi3.RequestBodyRef{
		Value: openapi3.NewRequestBody().
			WithRequired(true).
			WithContent(openapi3.NewContentWithJSONSchemaRef(ref(name))),
	}
}

func operation(tag, id, summary string, security *openapi3.SecurityRequirements, req *openapi3.RequestBodyRef,
	status int, success *openapi3.SchemaRef, failures ...int) *openapi3.Operation {
	return &openapi3.Operation{
		Tags:        []string{tag},
		OperationID: id,
		Summary:     summary,
		Security:    security,
		RequestBody: req,
		Responses:   newResponses(status, success, failures...),
	}
}

// newResponses builds the success response plus one error envelope
// response per failure status.
func newResponses(status int, success *openapi3.SchemaRef, failures ...int) *openapi3.Responses {
	responses := openapi3.NewResponses()
	responses.Set(statusKey(status), &openapi3.ResponseRef{
		Value: openapi3.NewResponse().
			WithDescription(http.StatusText(status)).
			WithContent(openapi3.NewContentWithJSONSchemaRef(success)),
	})

	errorRef := ref("ErrorEnvelope")
	for _, code := range append(failures, http.StatusInternalServerError) {
		responses.Set(statusKey(code), &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription(http.StatusText(code)).
				WithContent(openapi3.NewContentWithJSONSchemaRef(errorRef)),
		})
	}
	return responses
}

func statusKey(code int) string {
	return strconv.Itoa(code)
}
