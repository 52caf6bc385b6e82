package scanner

import "github.com/hanogt/secbot/pkg/model"

// builtinDefs is the deployed rule set. Changing it requires a new build;
// there is deliberately no way to load or edit rules at runtime.
func builtinDefs() []CategoryDef {
	return []CategoryDef{
		{
			Category: model.CategorySystemCommands,
			Severity: model.SeverityMedium,
			Patterns: []string{
				`os\.system\s*\(`,
				`subprocess\.(call|run|Popen)\s*\(`,
				`exec\s*\(`,
				`eval\s*\(`,
				`shell_exec\s*\(`,
				`system\s*\(`,
				`passthru\s*\(`,
				`popen\s*\(`,
				`proc_open\s*\(`,
				`Runtime\.getRuntime\(\)\.exec`,
				`ProcessBuilder`,
			},
		},
		{
			Category: model.CategoryFileAttacks,
			Severity: model.SeverityMedium,
			Patterns: []string{
				`rm\s+-rf\s+/`,
				`rm\s+-rf\s+\*`,
				`del\s+/[fqs]\s+`,
				`rmdir\s+/[sq]\s+`,
				`format\s+[a-z]:`,
				`shutil\.rmtree\s*\(`,
				`os\.remove\s*\(`,
				`os\.unlink\s*\(`,
				`fs\.unlinkSync\s*\(`,
				`fs\.rmdirSync\s*\(`,
				`File\.delete\s*\(`,
				`Files\.delete\s*\(`,
			},
		},
		{
			Category: model.CategoryResourceAttacks,
			Severity: model.SeverityMedium,
			Patterns: []string{
				`:\(\)\{\s*:\|:\s*&\s*\}`, // bash fork bomb
				`while\s*\(\s*true\s*\)\s*\{\s*fork`,
				`for\s*\(\s*;\s*;\s*\)\s*fork`,
				`\bfork\s*\(\s*\)\s*.*\bfork\s*\(\s*\)`,
				`while\s*\(\s*1\s*\)\s*\{[^}]*malloc`,
				`while\s*True\s*:\s*.*\.append`,
			},
		},
		{
			Category: model.CategoryNetworkAttacks,
			Severity: model.SeverityHigh,
			Patterns: []string{
				`socket\.connect\s*\(\s*\(['"]\d+\.\d+\.\d+\.\d+['"]`,
				`urllib\.request\.urlopen\s*\(['"](http|ftp)`,
				`requests\.(get|post)\s*\(['"](http|ftp)`,
				`fetch\s*\(['"](http|ftp)`,
				`XMLHttpRequest`,
				`net\.connect\s*\(`,
				`new\s+Socket\s*\(`,
			},
		},
		{
			Category: model.CategoryDataTheft,
			Severity: model.SeverityHigh,
			Patterns: []string{
				`keyboard\s*import`,
				`pynput`,
				`keylogger`,
				`pyautogui\.screenshot`,
				`ImageGrab\.grab`,
				`win32clipboard`,
				`pyperclip`,
				`ctypes\.windll`,
				`subprocess.*password`,
				`os\.environ\[`,
			},
		},
		{
			Category: model.CategoryCryptoMining,
			Severity: model.SeverityCritical,
			Patterns: []string{
				`coinhive`,
				`cryptonight`,
				`minero`,
				`stratum\+tcp`,
				`xmrig`,
				`crypto-?loot`,
			},
		},
		{
			Category: model.CategoryRansomware,
			Severity: model.SeverityCritical,
			Patterns: []string{
				`\.encrypt\s*\(`,
				`AES\.new\s*\(`,
				`Fernet\s*\(`,
				`bitcoin.*wallet`,
				`ransom`,
				`your files.*encrypted`,
			},
		},
	}
}
