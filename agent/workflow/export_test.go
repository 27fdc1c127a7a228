package workflow

import nodex "github.com/tanpawarit/udahub-support-orchestrator/agent/nodes"

func nodeDefaultDegraded() string {
	return nodex.DefaultDegradedMessage
}
