package config

import "errors"

// 配置相关错误
var (
	ErrEmptyServerHost   = errors.New("服务器地址不能为空")
	ErrInvalidServerPort = errors.New("服务器端口必须大于0")
	ErrEmptyFSHost       = errors.New("FreeSWITCH主机地址不能为空")
	ErrInvalidFSPort     = errors.New("FreeSWITCH端口必须大于0")
	ErrEmptyFSPassword   = errors.New("FreeSWITCH密码不能为空")
	ErrEmptyASRURL       = errors.New("ASR服务器地址不能为空")
	ErrEmptyLLMURL       = errors.New("LLM服务器地址不能为空")
	ErrEmptyLLMModel     = errors.New("LLM模型名称不能为空")
	ErrEmptyTTSURL       = errors.New("TTS服务器地址不能为空")
	ErrInvalidBackoff    = errors.New("退避参数非法")
)
