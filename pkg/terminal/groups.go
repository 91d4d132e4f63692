package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	dataCmds
	stackCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Viewing foreign objects", dataCmds},
	{"Viewing the frame chain and selecting frames", stackCmds},
	{"Other commands", otherCmds},
}
