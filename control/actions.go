package control

import "strings"

// Action 是主机分发表中的动作名；本包不解释 payload 语义。
type Action string

const (
	ActionMouseMove        Action = "mouse_move"
	ActionMouseClick       Action = "mouse_click"
	ActionMouseDoubleClick Action = "mouse_double_click"
	ActionMouseRightClick  Action = "mouse_right_click"
	ActionMouseScroll      Action = "mouse_scroll"
	ActionMouseDragStart   Action = "mouse_drag_start"
	ActionMouseDragMove    Action = "mouse_drag_move"
	ActionMouseDragEnd     Action = "mouse_drag_end"

	ActionKeyPress Action = "key_press"
	ActionKeyCombo Action = "key_combo"
	ActionKeyType  Action = "key_type"

	ActionPowerShutdown Action = "power_shutdown"
	ActionPowerRestart  Action = "power_restart"
	ActionPowerSleep    Action = "power_sleep"
	ActionPowerLock     Action = "power_lock"
	ActionPowerLogout   Action = "power_logout"

	ActionAppOpen  Action = "app_open"
	ActionAppList  Action = "app_list"
	ActionAppClose Action = "app_close"

	ActionGoogleSearch Action = "google_search"
	ActionURLOpen      Action = "url_open"

	ActionVolumeSet  Action = "volume_set"
	ActionVolumeGet  Action = "volume_get"
	ActionVolumeMute Action = "volume_mute"
	ActionVolumeUp   Action = "volume_up"
	ActionVolumeDown Action = "volume_down"

	ActionMediaPlayPause Action = "media_play_pause"
	ActionMediaNext      Action = "media_next"
	ActionMediaPrev      Action = "media_prev"
	ActionMediaStop      Action = "media_stop"

	ActionClipboardGet Action = "clipboard_get"
	ActionClipboardSet Action = "clipboard_set"

	ActionSystemInfo Action = "system_info"

	ActionFSList   Action = "fs_list"
	ActionFSDrives Action = "fs_drives"
	ActionFSInfo   Action = "fs_info"

	ActionProcessList   Action = "process_list"
	ActionProcessKill   Action = "process_kill"
	ActionProcessDetail Action = "process_detail"

	ActionTerminalExec   Action = "terminal_exec"
	ActionTerminalCwd    Action = "terminal_cwd"
	ActionTerminalSetCwd Action = "terminal_set_cwd"
	ActionTerminalReset  Action = "terminal_reset"
)

var known = map[Action]struct{}{}

func init() {
	for _, a := range Actions() {
		known[a] = struct{}{}
	}
}

// Actions 返回主机已知的全部动作。
func Actions() []Action {
	return []Action{
		ActionMouseMove, ActionMouseClick, ActionMouseDoubleClick, ActionMouseRightClick,
		ActionMouseScroll, ActionMouseDragStart, ActionMouseDragMove, ActionMouseDragEnd,
		ActionKeyPress, ActionKeyCombo, ActionKeyType,
		ActionPowerShutdown, ActionPowerRestart, ActionPowerSleep, ActionPowerLock, ActionPowerLogout,
		ActionAppOpen, ActionAppList, ActionAppClose,
		ActionGoogleSearch, ActionURLOpen,
		ActionVolumeSet, ActionVolumeGet, ActionVolumeMute, ActionVolumeUp, ActionVolumeDown,
		ActionMediaPlayPause, ActionMediaNext, ActionMediaPrev, ActionMediaStop,
		ActionClipboardGet, ActionClipboardSet,
		ActionSystemInfo,
		ActionFSList, ActionFSDrives, ActionFSInfo,
		ActionProcessList, ActionProcessKill, ActionProcessDetail,
		ActionTerminalExec, ActionTerminalCwd, ActionTerminalSetCwd, ActionTerminalReset,
	}
}

// Valid 只拒绝空动作名；未知动作照常转发，由主机返回错误。
func (a Action) Valid() bool { return strings.TrimSpace(string(a)) != "" }

// Known 报告动作是否在主机分发表中。
func (a Action) Known() bool {
	_, ok := known[a]
	return ok
}

// HighFrequency 报告动作是否属于高频低价值消息（指针增量、拖拽移动），适合用 Send 发送。
func (a Action) HighFrequency() bool {
	return a == ActionMouseMove || a == ActionMouseDragMove || a == ActionMouseScroll
}
