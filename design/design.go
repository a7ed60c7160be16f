// Package design describes the medlabel HTTP and gRPC API in the goa DSL.
// It is the source for the OpenAPI documents produced by
// `goa gen medlabel/design`; the running transports in internal/api mount
// the same routes and messages by hand and do not import the generated code.
package design

import (
    . "goa.design/goa/v3/dsl"
)

// API definition
var _ = API("medlabel", func() {
    Title("Medlabel Label Reader")
    Description("Reads lot and expiry labels from camera streams and posts them to webhooks")
    Version("1.0")
    Server("medlabel", func() {
        Services("command", "channel", "event", "health", "auth")
        Host("localhost", func() {
            URI("http://localhost:8080")
            URI("grpc://localhost:50051")
        })
    })
})

// Error types
var NotFoundError = Type("NotFoundError", func() {
    Description("Resource not found error")
    Field(1, "message", String, "Error message")
    Field(2, "id", String, "Resource ID")
    Required("message")
})

var UnauthorizedError = Type("UnauthorizedError", func() {
    Description("Authentication failed")
    Field(1, "message", String, "Error message")
    Required("message")
})

// Data types
var Directive = Type("Directive", func() {
    Description("One channel command of a batch")
    Field(1, "command", String, "Command kind", func() {
        Enum("START", "STOP")
    })
    Field(2, "name", String, "Channel name")
    Field(3, "input_url", String, "Stream URL or video file path, required for START")
    Field(4, "call_back_url", String, "Webhook URL, required for START", func() {
        Format(FormatURI)
    })
    Field(5, "frame_orientation", String, "Expected label orientation", func() {
        Enum("PORTRAIT", "LANDSCAPE")
        Default("PORTRAIT")
    })
    Field(6, "rotation", String, "Rotation applied to each frame", func() {
        Enum("NONE", "ROTATE_90", "ROTATE_90_CLOCKWISE", "ROTATE_180", "ROTATE_90_COUNTERCLOCKWISE", "true", "false")
        Default("NONE")
    })
    Field(7, "processor_type", String, "Inference device", func() {
        Enum("ANY", "CPU", "GPU")
        Default("ANY")
    })
    Field(8, "model_name", String, "Detector and recognizer model id")
    Required("command", "name")
})

var DirectiveResult = Type("DirectiveResult", func() {
    Description("Outcome of one directive")
    Field(1, "name", String, "Channel name")
    Field(2, "command", String, "Command kind")
    Field(3, "success", Boolean, "Whether the directive succeeded")
    Field(4, "message", String, "Outcome message")
    Required("name", "command", "success", "message")
})

var ExecuteResult = Type("ExecuteResult", func() {
    Description("Aggregate outcome of a command batch")
    Field(1, "success", Boolean, "True when every directive succeeded")
    Field(2, "message", String, "Summary message")
    Field(3, "results", ArrayOf(DirectiveResult), "Per-directive outcomes")
    Required("success", "message")
})

var ChannelStatus = Type("ChannelStatus", func() {
    Description("Registered channel and its runtime counters")
    Field(1, "config", MapOf(String, Any), "Channel configuration")
    Field(2, "state", String, "Lifecycle state", func() {
        Enum("registered", "running", "stopping", "failed")
    })
    Field(3, "started_at", String, "Start time", func() {
        Format(FormatDateTime)
    })
    Field(4, "error", String, "Last worker error")
    Field(5, "frame_available", Boolean, "Whether the source has produced a frame")
    Field(6, "worker", MapOf(String, Any), "Worker counters")
    Field(7, "source", MapOf(String, Any), "Source counters")
    Required("config", "state")
})

var WebhookEvent = Type("WebhookEvent", func() {
    Description("Recorded webhook delivery attempt")
    Field(1, "id", String, "Event ID", func() {
        Format(FormatUUID)
    })
    Field(2, "channel", String, "Channel name")
    Field(3, "lot", String, "Extracted lot number")
    Field(4, "expiry", String, "Extracted expiry date")
    Field(5, "all_text", String, "Full recognized text")
    Field(6, "mime", String, "Image MIME type")
    Field(7, "image_path", String, "Saved recognition artifact")
    Field(8, "delivered", Boolean, "Whether the webhook answered 200")
    Field(9, "created_at", String, "Attempt time", func() {
        Format(FormatDateTime)
    })
    Required("id", "channel", "delivered", "created_at")
})

var AppLog = Type("AppLog", func() {
    Description("Coded application log line")
    Field(1, "id", Int64, "Row ID")
    Field(2, "code", Int, "Log code")
    Field(3, "level", String, "Severity")
    Field(4, "message", String, "Message")
    Field(5, "created_at", String, "Time", func() {
        Format(FormatDateTime)
    })
    Required("id", "code", "level", "message", "created_at")
})

var _ = Service("command", func() {
    Description("Channel command batches")

    Method("execute", func() {
        Description("Validate a batch of START/STOP directives and apply them in order")
        Payload(func() {
            Field(1, "execute_commands", ArrayOf(Directive), "Directives", func() {
                MinLength(1)
            })
            Required("execute_commands")
        })
        Result(ExecuteResult)
        Error("bad_request")
        HTTP(func() {
            POST("/api/v1/commands")
            Response(StatusOK)
            Response("bad_request", StatusBadRequest)
        })
        GRPC(func() {
            Response(CodeOK)
            Response("bad_request", CodeInvalidArgument)
        })
    })
})

var _ = Service("channel", func() {
    Description("Channel status")

    Method("list", func() {
        Result(ArrayOf(ChannelStatus))
        HTTP(func() {
            GET("/api/v1/channels")
            Response(StatusOK)
        })
    })

    Method("get", func() {
        Payload(func() {
            Field(1, "name", String, "Channel name")
            Required("name")
        })
        Result(ChannelStatus)
        Error("not_found", NotFoundError)
        HTTP(func() {
            GET("/api/v1/channels/{name}")
            Response(StatusOK)
            Response("not_found", StatusNotFound)
        })
    })
})

var _ = Service("event", func() {
    Description("Delivery history and coded logs")

    Method("list", func() {
        Payload(func() {
            Field(1, "channel", String, "Only events of this channel")
            Field(2, "limit", Int, "Maximum number of events", func() {
                Minimum(1)
                Maximum(1000)
                Default(50)
            })
        })
        Result(ArrayOf(WebhookEvent))
        HTTP(func() {
            GET("/api/v1/events")
            Param("channel")
            Param("limit")
            Response(StatusOK)
        })
    })

    Method("logs", func() {
        Payload(func() {
            Field(1, "limit", Int, "Maximum number of lines", func() {
                Minimum(1)
                Maximum(1000)
                Default(50)
            })
        })
        Result(ArrayOf(AppLog))
        HTTP(func() {
            GET("/api/v1/logs")
            Param("limit")
            Response(StatusOK)
        })
    })
})

var _ = Service("health", func() {
    Description("Liveness and readiness probes")

    Method("healthz", func() {
        HTTP(func() {
            GET("/healthz")
            Response(StatusOK)
        })
    })

    Method("readyz", func() {
        Result(func() {
            Field(1, "ready", Boolean, "Whether the service is ready")
            Field(2, "database", String, "Database status")
            Field(3, "detectors", ArrayOf(MapOf(String, Any)), "Loaded detectors")
            Required("ready", "database")
        })
        Error("not_ready")
        HTTP(func() {
            GET("/readyz")
            Response(StatusOK)
            Response("not_ready", StatusServiceUnavailable)
        })
    })
})

var _ = Service("auth", func() {
    Description("Single account login")

    Method("login", func() {
        Payload(func() {
            Field(1, "username", String, "Username")
            Field(2, "password", String, "Password")
            Required("username", "password")
        })
        Result(func() {
            Field(1, "token", String, "Bearer token")
            Field(2, "expires_at", Int64, "Expiry as unix seconds")
            Required("token", "expires_at")
        })
        Error("unauthorized", UnauthorizedError)
        HTTP(func() {
            POST("/api/v1/auth/login")
            Response(StatusOK)
            Response("unauthorized", StatusUnauthorized)
        })
    })

    Method("status", func() {
        Result(func() {
            Field(1, "enabled", Boolean, "Whether authentication is enabled")
            Field(2, "authenticated", Boolean, "Whether the caller offered a valid token")
            Field(3, "username", String, "Authenticated user")
            Required("enabled", "authenticated")
        })
        HTTP(func() {
            GET("/api/v1/auth/status")
            Response(StatusOK)
        })
    })
})
