package protocol

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	methods map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		reqSchema, err := jsonschema.CompileString("frame_request", requestFrameSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.request = reqSchema

		methods := map[string]string{
			"connect":         connectParamsSchema,
			"chat.send":       chatSendParamsSchema,
			"agent":           agentParamsSchema,
			"agent.wait":      agentWaitParamsSchema,
			"chat.abort":      chatAbortParamsSchema,
			"chat.history":    chatHistoryParamsSchema,
			"chat.inject":     chatInjectParamsSchema,
			"sessions.patch":  sessionsPatchParamsSchema,
			"sessions.reset":  sessionKeyParamsSchema,
			"sessions.delete": sessionKeyParamsSchema,
			"send":            sendParamsSchema,
			"logs.tail":       logsTailParamsSchema,
		}

		schemas.methods = make(map[string]*jsonschema.Schema, len(methods))
		for name, schema := range methods {
			compiled, err := jsonschema.CompileString("method_"+name, schema)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.methods[name] = compiled
		}
	})
	return schemas.initErr
}

// validateRequestFrame checks the envelope shape plus the per-method params
// schema when one is registered. Unknown methods pass envelope validation; the
// router decides whether the name exists.
func validateRequestFrame(raw []byte, frame *Frame) error {
	if err := initSchemas(); err != nil {
		return InvalidRequest(err.Error())
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return InvalidRequest("malformed JSON frame")
	}
	if err := schemas.request.Validate(payload); err != nil {
		return InvalidRequest("request frame requires id and method")
	}
	if schema := schemas.methods[frame.Method]; schema != nil {
		var params any
		if len(frame.Params) == 0 {
			params = map[string]any{}
		} else if err := json.Unmarshal(frame.Params, &params); err != nil {
			return InvalidRequest("malformed params")
		}
		if err := schema.Validate(params); err != nil {
			return InvalidRequest("invalid params for " + frame.Method)
		}
	}
	return nil
}

const requestFrameSchema = `{
  "type": "object",
  "required": ["type", "id", "method"],
  "properties": {
    "type": { "const": "req" },
    "id": { "type": "string", "minLength": 1 },
    "method": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`

const connectParamsSchema = `{
  "type": "object",
  "required": ["minProtocol", "maxProtocol", "client"],
  "properties": {
    "minProtocol": { "type": "integer", "minimum": 1 },
    "maxProtocol": { "type": "integer", "minimum": 1 },
    "client": {
      "type": "object",
      "required": ["id", "version", "platform"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "version": { "type": "string", "minLength": 1 },
        "platform": { "type": "string", "minLength": 1 },
        "mode": { "type": "string" },
        "displayName": { "type": "string" },
        "deviceFamily": { "type": "string" },
        "modelIdentifier": { "type": "string" }
      },
      "additionalProperties": true
    },
    "auth": {
      "type": "object",
      "properties": {
        "token": { "type": "string" },
        "password": { "type": "string" }
      },
      "additionalProperties": true
    },
    "role": { "type": "string" },
    "scopes": { "type": "array", "items": { "type": "string" } }
  },
  "additionalProperties": true
}`

const chatSendParamsSchema = `{
  "type": "object",
  "required": ["sessionKey", "message", "idempotencyKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "message": { "type": "string", "minLength": 1 },
    "idempotencyKey": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const agentParamsSchema = `{
  "type": "object",
  "required": ["message", "idempotencyKey"],
  "properties": {
    "sessionKey": { "type": "string" },
    "message": { "type": "string", "minLength": 1 },
    "idempotencyKey": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const agentWaitParamsSchema = `{
  "type": "object",
  "required": ["runId"],
  "properties": {
    "runId": { "type": "string", "minLength": 1 },
    "timeoutMs": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": true
}`

const chatAbortParamsSchema = `{
  "type": "object",
  "properties": {
    "sessionKey": { "type": "string" },
    "runId": { "type": "string" }
  },
  "additionalProperties": true
}`

const chatHistoryParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "limit": { "type": "integer", "minimum": 1, "maximum": 1000 }
  },
  "additionalProperties": true
}`

const chatInjectParamsSchema = `{
  "type": "object",
  "required": ["sessionKey", "message"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "message": { "type": "string", "minLength": 1 },
    "role": { "enum": ["user", "assistant"] }
  },
  "additionalProperties": true
}`

const sessionsPatchParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 },
    "label": { "type": "string" }
  },
  "additionalProperties": true
}`

const sessionKeyParamsSchema = `{
  "type": "object",
  "required": ["sessionKey"],
  "properties": {
    "sessionKey": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const sendParamsSchema = `{
  "type": "object",
  "required": ["message", "idempotencyKey"],
  "properties": {
    "to": { "type": "string" },
    "message": { "type": "string", "minLength": 1 },
    "idempotencyKey": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const logsTailParamsSchema = `{
  "type": "object",
  "properties": {
    "lines": { "type": "integer", "minimum": 1, "maximum": 1000 }
  },
  "additionalProperties": true
}`
