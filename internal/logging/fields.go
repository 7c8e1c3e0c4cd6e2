package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// LifecycleFields 提供缓存版本与生命周期阶段字段，供 install/activate 日志复用。
func LifecycleFields(action, version, state string) logrus.Fields {
	return logrus.Fields{
		"action":        action,
		"cache_version": version,
		"state":         state,
	}
}

// FetchFields 提供单次拦截请求的公共字段。
func FetchFields(method, url string, navigation bool, source string) logrus.Fields {
	return logrus.Fields{
		"action":     "fetch",
		"method":     method,
		"url":        url,
		"navigation": navigation,
		"source":     source,
	}
}
