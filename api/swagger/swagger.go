package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Engagement Pipeline API",
        "description": "Ingestion, rollup and retention API for classroom engagement events.",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http",
        "https"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "tags": [
        {"name": "Ingest", "description": "Batch delivery from devices"},
        {"name": "Rollups", "description": "Aggregated engagement for dashboards"},
        {"name": "Admin", "description": "Retention, rebuild and pipeline health"}
    ],
    "paths": {
        "/ingest/batches": {
            "post": {
                "tags": ["Ingest"],
                "summary": "Submit an event batch",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "X-Sync-Attempt", "in": "header", "type": "integer"},
                    {"name": "X-Device-Queue-Depth", "in": "header", "type": "integer"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/IngestBatchRequest"}}
                ],
                "responses": {
                    "200": {"description": "Accepted", "schema": {"$ref": "#/definitions/IngestResult"}},
                    "400": {"description": "Rejected (malformed)", "schema": {"$ref": "#/definitions/IngestResult"}},
                    "403": {"description": "Classroom outside token scope", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "422": {"description": "Rejected (validation or pii-detected)", "schema": {"$ref": "#/definitions/IngestResult"}},
                    "429": {"description": "Rate limited", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "503": {"description": "Salt unavailable, retry later", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/rollups": {
            "get": {
                "tags": ["Rollups"],
                "summary": "Query engagement rollups",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "classroomId", "in": "query", "required": true, "type": "string"},
                    {"name": "lessonId", "in": "query", "type": "string"},
                    {"name": "from", "in": "query", "type": "string", "format": "date-time"},
                    {"name": "to", "in": "query", "type": "string", "format": "date-time"},
                    {"name": "category", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/rollups/stream": {
            "get": {
                "tags": ["Rollups"],
                "summary": "Live rollup updates over websocket",
                "parameters": [
                    {"name": "classroomId", "in": "query", "required": true, "type": "string"},
                    {"name": "access_token", "in": "query", "type": "string"}
                ],
                "responses": {
                    "101": {"description": "Switching Protocols"}
                }
            }
        },
        "/admin/rollups/export": {
            "get": {
                "tags": ["Admin"],
                "summary": "Export engagement rollups",
                "security": [{"BearerAuth": []}],
                "produces": ["text/csv", "application/pdf"],
                "parameters": [
                    {"name": "classroomId", "in": "query", "required": true, "type": "string"},
                    {"name": "from", "in": "query", "type": "string", "format": "date-time"},
                    {"name": "to", "in": "query", "type": "string", "format": "date-time"},
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]}
                ],
                "responses": {
                    "200": {"description": "File"}
                }
            }
        },
        "/admin/retention/run": {
            "post": {
                "tags": ["Admin"],
                "summary": "Trigger a retention run",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "policy", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Run summary", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "A run is already in progress", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/admin/retention/policies": {
            "get": {
                "tags": ["Admin"],
                "summary": "List retention policies",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/admin/retention/policies/{name}": {
            "put": {
                "tags": ["Admin"],
                "summary": "Update a retention policy",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "name", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/PolicyUpdateRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/admin/aggregation/rebuild": {
            "post": {
                "tags": ["Admin"],
                "summary": "Rebuild rollups for a range",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RebuildRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/admin/health": {
            "get": {
                "tags": ["Admin"],
                "summary": "Pipeline health",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "IngestEvent": {
            "type": "object",
            "properties": {
                "id": {"type": "string", "format": "uuid"},
                "classroomId": {"type": "string"},
                "lessonId": {"type": "string"},
                "category": {"type": "string", "enum": ["empathy", "confidence", "communication", "leadership", "kindness", "courage"]},
                "interactionType": {"type": "string"},
                "score": {"type": "integer", "minimum": 1, "maximum": 5},
                "metadata": {"type": "object"},
                "growthIndicator": {"type": "boolean"},
                "subjectHash": {"type": "string"},
                "subjectRef": {"type": "string"},
                "capturedAt": {"type": "string", "format": "date-time"}
            },
            "required": ["id", "classroomId", "category", "interactionType", "score", "capturedAt"]
        },
        "IngestBatchRequest": {
            "type": "object",
            "properties": {
                "batchId": {"type": "string", "format": "uuid"},
                "events": {"type": "array", "items": {"$ref": "#/definitions/IngestEvent"}}
            },
            "required": ["batchId", "events"]
        },
        "IngestResult": {
            "type": "object",
            "properties": {
                "status": {"type": "string", "enum": ["accepted", "rejected"]},
                "batchId": {"type": "string"},
                "accepted": {"type": "integer"},
                "duplicate": {"type": "boolean"},
                "reason": {"type": "string", "enum": ["validation", "pii-detected", "malformed"]},
                "details": {"type": "array", "items": {"type": "string"}}
            }
        },
        "PolicyUpdateRequest": {
            "type": "object",
            "properties": {
                "activeRetention": {"type": "string"},
                "archiveRetention": {"type": "string"},
                "enabled": {"type": "boolean"}
            },
            "required": ["activeRetention", "archiveRetention"]
        },
        "RebuildRequest": {
            "type": "object",
            "properties": {
                "classroomIds": {"type": "array", "items": {"type": "string"}},
                "from": {"type": "string", "format": "date-time"},
                "to": {"type": "string", "format": "date-time"}
            },
            "required": ["classroomIds", "from", "to"]
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
