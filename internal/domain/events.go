package domain

// EventType names an outbound lifecycle event.
type EventType string

const (
	EventRequestCreated       EventType = "request.created"
	EventRequestUpdated       EventType = "request.updated"
	EventRequestStatusChanged EventType = "request.status_changed"
	EventRequestAssigned      EventType = "request.assigned"
	EventRequestDeleted       EventType = "request.deleted"
	EventCommentAdded         EventType = "comment.added"
	EventCommentDeleted       EventType = "comment.deleted"
	EventAttachmentUploaded   EventType = "attachment.uploaded"
	EventAttachmentDeleted    EventType = "attachment.deleted"
	EventReportRequested      EventType = "report.requested"
)

var EventTypes = []EventType{
	EventRequestCreated,
	EventRequestUpdated,
	EventRequestStatusChanged,
	EventRequestAssigned,
	EventRequestDeleted,
	EventCommentAdded,
	EventCommentDeleted,
	EventAttachmentUploaded,
	EventAttachmentDeleted,
	EventReportRequested,
}

func (t EventType) Valid() bool {
	for _, v := range EventTypes {
		if t == v {
			return true
		}
	}
	return false
}
