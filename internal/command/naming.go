package command

// Naming derives destination names from command names
type Naming struct {
	CommandPrefix string
	QueueSuffix   string
	ReplyQueue    string
	EventPrefix   string
}

// DefaultNaming returns the default destination templates
func DefaultNaming() Naming {
	return Naming{
		CommandPrefix: "cmd.",
		QueueSuffix:   ".q",
		ReplyQueue:    "cmd.replies.q",
		EventPrefix:   "events.",
	}
}

// QueueFor returns the request queue for a command name
func (n Naming) QueueFor(name string) string {
	return n.CommandPrefix + name + n.QueueSuffix
}

// EventTopicFor returns the completion topic for a command name
func (n Naming) EventTopicFor(name string) string {
	return n.EventPrefix + name
}
