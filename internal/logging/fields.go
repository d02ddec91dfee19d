package logging

import (
	"log/slog"
	"time"
)

// Field names shared by every component.
const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldIP        = "ip"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
	FieldEventID   = "event_id"
	FieldChannelID = "channel_id"
	FieldHostID    = "host_id"
	FieldTarget    = "target"
	FieldTask      = "task"
)

// maskKeep is how many leading characters of a secret survive masking.
const maskKeep = 4

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration logs d in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

func ChannelID(id string) slog.Attr {
	return slog.String(FieldChannelID, id)
}

func HostID(id string) slog.Attr {
	return slog.String(FieldHostID, id)
}

func Target(name string) slog.Attr {
	return slog.String(FieldTarget, name)
}

func Task(kind string) slog.Attr {
	return slog.String(FieldTask, kind)
}

// Mask hides all but the first few characters of a secret.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	r := []rune(secret)
	if len(r) <= maskKeep {
		return "****"
	}
	return string(r[:maskKeep]) + "****"
}

// Secret returns an attribute holding a masked secret.
func Secret(key, secret string) slog.Attr {
	return slog.String(key, Mask(secret))
}
